// Package main implements siridclient, a minimal SIRID controller used to
// exercise the bridge by hand: it sends the XML of a file and prints what the
// bridge answers.
package main

func main() {
	Execute()
}
