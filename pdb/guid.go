package pdb

import "fmt"

// CodeViewGUID formats a CodeView PDB70 debug record's signature (a 16-byte
// GUID in little-endian field order) and age into the GUID_AGE string the
// Microsoft symbol server uses as a cache/URL path component: the first
// three GUID fields byte-swapped to big-endian display order (as Windows
// always prints GUIDs), the last two fields printed verbatim, then the age
// appended as uppercase hex with no leading zeros.
//
// Example (spec.md seed scenario S5): signature bytes
// {11,22,33,44,55,66,77,88,99,AA,BB,CC,DD,EE,FF,00}, age 0x0A produces
// "443322116655887799AABBCCDDEEFF00A".
func CodeViewGUID(signature [16]byte, age uint32) string {
	return fmt.Sprintf(
		"%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%X",
		signature[3], signature[2], signature[1], signature[0],
		signature[5], signature[4],
		signature[7], signature[6],
		signature[8], signature[9],
		signature[10], signature[11], signature[12], signature[13], signature[14], signature[15],
		age,
	)
}
