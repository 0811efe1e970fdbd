package secret

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func Test_resolve_file_scheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(path, []byte("cert-bytes"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got, err := Resolve("file://" + path)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(got) != "cert-bytes" {
		t.Errorf("got %q", got)
	}
}

func Test_resolve_bare_path_treated_as_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(path, []byte("key-bytes"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	got, err := Resolve(path)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(got) != "key-bytes" {
		t.Errorf("got %q", got)
	}
}

func Test_resolve_base64_scheme(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("shh"))
	got, err := Resolve("base64://" + encoded)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(got) != "shh" {
		t.Errorf("got %q", got)
	}
}

func Test_resolve_keychain_scheme_is_unsupported(t *testing.T) {
	_, err := Resolve("keychain://my-secret")
	if err == nil {
		t.Fatal("expected an error for the out-of-scope keychain scheme")
	}
}

func Test_resolve_unknown_scheme(t *testing.T) {
	_, err := Resolve("s3://bucket/key")
	if err == nil {
		t.Fatal("expected an error for an unrecognised scheme")
	}
}
