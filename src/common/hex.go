package common

import "fmt"

// Abbrev shortens a hex identifier for log output.
func Abbrev(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// AbbrevList shortens every identifier of a list for log output.
func AbbrevList(ids []string) []string {
	res := make([]string, len(ids))
	for i, id := range ids {
		res[i] = Abbrev(id)
	}
	return res
}

// EncodeToString returns the UPPERCASE string representation of hexBytes
// with the 0X prefix.
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0X%X", hexBytes)
}
