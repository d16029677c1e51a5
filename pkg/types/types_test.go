package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobIDUID(t *testing.T) {
	cases := map[JobID]string{
		"models/abc123.glb":                         "abc123",
		"/data/glbs/000-001/8476c4170df24cf5.glb":   "8476c4170df24cf5",
		"https://host/objects/xyz.tar.gz":           "xyz",
		"https://host/objects/xyz.glb?token=a.b":    "xyz",
		"plain":                                     "plain",
		"C:\\assets\\chair.obj":                     "chair",
	}
	for id, want := range cases {
		assert.Equal(t, want, id.UID(), "uid of %q", id)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
