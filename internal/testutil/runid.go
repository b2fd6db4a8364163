package testutil

// StaticRunID generates the same run id every time.
//
// Unlike backbone.FixedGenerator which returns ids in sequence, this
// generator never runs out, so a scenario can be executed repeatedly and
// produce byte-identical traces.
//
// Thread-safety: StaticRunID is stateless and safe for concurrent use.
type StaticRunID struct {
	id string
}

// NewStaticRunID creates the generator. An empty id becomes
// "test-run-default".
func NewStaticRunID(id string) *StaticRunID {
	if id == "" {
		id = "test-run-default"
	}
	return &StaticRunID{id: id}
}

// Generate returns the fixed id.
func (g *StaticRunID) Generate() string {
	return g.id
}
