package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Status_PrintsIconAndMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("🔍", "searching index...")

	out := buf.String()
	assert.Contains(t, out, "🔍")
	assert.Contains(t, out, "searching index...")
}

func TestWriter_Success_PrintsCheckmark(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Success("daemon started")

	assert.Contains(t, buf.String(), "✅")
	assert.Contains(t, buf.String(), "daemon started")
}

func TestWriter_Errorf_FormatsMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Errorf("failed after %d attempts", 3)

	assert.Contains(t, buf.String(), "failed after 3 attempts")
}

func TestWriter_Table_AlignsColumns(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Table([][]string{
		{"slot", "status"},
		{"embedder", "loaded"},
	})

	out := buf.String()
	assert.Contains(t, out, "slot")
	assert.Contains(t, out, "embedder")
	assert.Contains(t, out, "loaded")
}
