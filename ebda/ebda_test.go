package ebda_test

import (
	"testing"

	"github.com/nexaos/nvm/ebda"
)

func TestNew(t *testing.T) {
	t.Parallel()

	m, err := ebda.New()
	if err != nil {
		t.Fatal(err)
	}

	bytes, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(bytes) != 188 {
		t.Fatalf("Invalid size: %v", len(bytes))
	}
}
