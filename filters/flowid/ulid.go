package flowid

import (
	"io"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Crockford's base32, 26 characters
var ulidFlowIDRegex = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

type ulidGenerator struct {
	sync.Mutex
	r io.Reader
}

// NewULIDGenerator creates a generator of lexicographically sortable
// flow ids, see https://github.com/ulid/spec.
func NewULIDGenerator() Generator {
	return NewULIDGeneratorWithEntropy(rand.New(rand.NewSource(time.Now().UTC().UnixNano())))
}

// NewULIDGeneratorWithEntropy creates a ULID generator reading the
// random part from r. Access to r is serialized.
func NewULIDGeneratorWithEntropy(r io.Reader) Generator {
	return &ulidGenerator{r: r}
}

func (g *ulidGenerator) Generate() (string, error) {
	g.Lock()
	id, err := ulid.New(ulid.Now(), g.r)
	g.Unlock()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func (g *ulidGenerator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}

	return id
}

func (g *ulidGenerator) IsValid(flowID string) bool {
	return ulidFlowIDRegex.MatchString(flowID)
}
