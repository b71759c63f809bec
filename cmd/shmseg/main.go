// Command shmseg creates, inspects and serves named shared memory segments.
package main

func main() {
	execute()
}
