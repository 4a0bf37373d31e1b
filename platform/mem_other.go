//go:build !unix

package platform

func defaultMemory() Memory {
	return NewGoMemory()
}
