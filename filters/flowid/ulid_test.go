package flowid

import (
	"io"
	"testing"
)

func TestULIDGenerator(t *testing.T) {
	g := NewULIDGenerator()
	id, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}

	if id == "" {
		t.Error("generated flow id is empty")
	}

	id = g.MustGenerate()
	if !g.IsValid(id) {
		t.Errorf("generated flow id was not considered valid - %q", id)
	}
}

func TestInvalidULIDFlowIDs(t *testing.T) {
	g := NewULIDGenerator()
	for _, test := range []string{
		"",
		"12345",
		"0123456789ABCDEFGHJKMNPQRSTVWXYZ",
		"01B6Y80KHY4XS20161302R3VCI",
		"01B6Y80KHY4XS20161302R3VCL",
		"01B6Y80KHY4XS20161302R3VCO",
		"01B6Y80KHY4XS20161302R3VCU",
	} {
		t.Run(test, func(t *testing.T) {
			if g.IsValid(test) {
				t.Errorf("invalid input was considered valid %q", test)
			}
		})
	}
}

type brokenReader int

func (r *brokenReader) Read(p []byte) (int, error) {
	return 0, io.ErrNoProgress
}

func TestULIDGeneratorBrokenEntropy(t *testing.T) {
	g := NewULIDGeneratorWithEntropy(new(brokenReader))
	if _, err := g.Generate(); err == nil {
		t.Fatal("expected an error from the entropy provider but err is nil")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected MustGenerate to panic")
		}
	}()

	g.MustGenerate()
}
