package emulator

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
