package pdb

import "testing"

// TestCodeViewGUID is seed scenario S5: the first three GUID fields
// (derived from a little-endian-stored Data1/Data2/Data3, per the
// CodeView/Windows GUID convention original_source flow-win32/src/cache.rs
// reproduces via uuid::Uuid::from_fields) are byte-swapped to big-endian
// display order; the remaining 8 bytes (Data4) and the age are printed
// verbatim. (spec.md's own worked S5 string drops one hex digit from the
// Data4 field; DESIGN.md records this as a spec typo resolved in favor of
// the byte layout the rest of S5 and original_source agree on.)
func TestCodeViewGUID(t *testing.T) {
	sig := [16]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}
	got := CodeViewGUID(sig, 0x0A)
	want := "443322116655887799AABBCCDDEEFF00A"
	if got != want {
		t.Fatalf("CodeViewGUID: got %s want %s", got, want)
	}
}
