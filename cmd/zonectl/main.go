// Command zonectl exercises and inspects the zonekit allocators.
package main

func main() {
	execute()
}
