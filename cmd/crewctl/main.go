// Command crewctl orchestrates a team of AI agents against a shared task
// list, coordinating claims, messaging, and incremental merges into a
// target branch.
package main

func main() {
	Execute()
}
