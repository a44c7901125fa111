// Command agentorch runs workflow definitions that delegate steps to LLM
// backends, persists every step, and routes low-confidence decisions to humans.
package main

func main() {
	Execute()
}
