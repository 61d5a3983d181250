package services

import "testing"

func TestParseUserDirectory(t *testing.T) {
	dir, err := ParseUserDirectory(" a:1:ana, ,b:2:bob ")
	if err != nil {
		t.Fatal(err)
	}

	user, ok := dir.Authenticate("a")
	if !ok || user.ID != 1 || user.Username != "ana" {
		t.Errorf("a = %+v, %v", user, ok)
	}
	if _, ok := dir.Authenticate("c"); ok {
		t.Error("unknown token authenticated")
	}
}

func TestParseUserDirectoryErrors(t *testing.T) {
	for _, spec := range []string{"a:1", "a:x:ana", ":1:ana", "a:1:"} {
		if _, err := ParseUserDirectory(spec); err == nil {
			t.Errorf("%q: expected error", spec)
		}
	}
}
