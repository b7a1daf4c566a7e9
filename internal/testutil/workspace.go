// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Workspace is an on-disk training workspace laid out with the default
// directory names.
type Workspace struct {
	Root            string
	SDScripts       string
	ModelPath       string
	TextEncoderPath string
	DataDir         string
	OutputDir       string
	LogDir          string
	SamplePrompts   string
}

// NewWorkspace creates an empty workspace under a temporary directory. Only
// the directory skeleton exists; use the With* helpers to populate it.
func NewWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	ws := &Workspace{
		Root:            root,
		SDScripts:       filepath.Join(root, "sd-scripts"),
		ModelPath:       filepath.Join(root, "models", "flux1-dev"),
		TextEncoderPath: filepath.Join(root, "models", "text_encoders"),
		DataDir:         filepath.Join(root, "data", "subject"),
		OutputDir:       filepath.Join(root, "output"),
		LogDir:          filepath.Join(root, "logs"),
		SamplePrompts:   filepath.Join(root, "configs", "sample_prompts.txt"),
	}
	for _, dir := range []string{ws.OutputDir, ws.LogDir} {
		MustMkdirAll(t, dir, 0o755)
	}
	return ws
}

// WithModels writes placeholder model, encoder and trainer script files.
func (ws *Workspace) WithModels(t *testing.T) *Workspace {
	t.Helper()
	MustWriteFile(t, filepath.Join(ws.ModelPath, "flux1-dev.safetensors"), "weights")
	MustWriteFile(t, filepath.Join(ws.ModelPath, "ae.safetensors"), "weights")
	MustWriteFile(t, filepath.Join(ws.TextEncoderPath, "clip_l.safetensors"), "weights")
	MustWriteFile(t, filepath.Join(ws.TextEncoderPath, "t5xxl_fp16.safetensors"), "weights")
	MustWriteFile(t, filepath.Join(ws.SDScripts, "flux_train_network.py"), "# trainer\n")
	return ws
}

// WithPrompts writes the sample prompts file.
func (ws *Workspace) WithPrompts(t *testing.T) *Workspace {
	t.Helper()
	MustWriteFile(t, ws.SamplePrompts, "photo of ohwx person --w 768 --h 768\n")
	return ws
}

// WithDataset writes n captioned PNG images into DataDir.
func (ws *Workspace) WithDataset(t *testing.T, n int) *Workspace {
	t.Helper()
	for i := range n {
		base := filepath.Join(ws.DataDir, fmt.Sprintf("img_%02d", i))
		MustWritePNG(t, base+".png", 64, 64)
		MustWriteFile(t, base+".txt", "ohwx person, portrait")
	}
	return ws
}

// MustWritePNG writes a solid w x h PNG to path.
func MustWritePNG(t testing.TB, path string, w, h int) {
	t.Helper()
	MustMkdirAll(t, filepath.Dir(path), 0o755)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer MustClose(t, f)
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}
