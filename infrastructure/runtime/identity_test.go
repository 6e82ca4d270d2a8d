package runtime

import "testing"

func TestStrictIdentityMode(t *testing.T) {
	t.Run("production env", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("TLSGW_ENV", "production")
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("forced via override", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("TLSGW_ENV", "development")
		t.Setenv("TLSGW_STRICT_IDENTITY", "true")
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("development without override", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("TLSGW_ENV", "development")
		t.Setenv("TLSGW_STRICT_IDENTITY", "")
		if StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = true, want false")
		}
	})
}
