package lipdata

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestVocabEncodeDecode(t *testing.T) {
	v, err := NewVocab([]rune("abc "))
	if err != nil {
		t.Fatal(err)
	}
	if v.Size() != 5 {
		t.Errorf("size should be 5 but got %d", v.Size())
	}
	enc := v.Encode("A cab!")
	expected := []int{1, 4, 3, 1, 2}
	if !reflect.DeepEqual(enc, expected) {
		t.Errorf("expected %v but got %v", expected, enc)
	}
	if v.Decode(enc) != "a cab" {
		t.Errorf("unexpected decoding: %q", v.Decode(enc))
	}
	if v.Decode([]int{Padding, 1, Padding}) != "a" {
		t.Error("padding should decode to nothing")
	}
}

func TestVocabDuplicate(t *testing.T) {
	if _, err := NewVocab([]rune("aba")); err == nil {
		t.Error("expected an error for duplicate characters")
	}
}

func TestDefaultVocab(t *testing.T) {
	v := DefaultVocab()
	if v.Size() != 61 {
		t.Errorf("size should be 61 but got %d", v.Size())
	}
	if idx, ok := v.Index(' '); !ok || idx != 1 {
		t.Errorf("space should be index 1 but got %d", idx)
	}
	if idx, ok := v.Index('z'); !ok || idx != 60 {
		t.Errorf("z should be index 60 but got %d", idx)
	}
}

func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labels.json")
	if err := os.WriteFile(path, []byte(`[" ", "a", "b"]`), 0644); err != nil {
		t.Fatal(err)
	}
	v, err := LoadVocab(path)
	if err != nil {
		t.Fatal(err)
	}
	if v.Size() != 4 {
		t.Errorf("size should be 4 but got %d", v.Size())
	}
	if _, err := LoadVocab(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
