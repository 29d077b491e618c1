package imagedir

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestOpen_ReadsInNameOrderAndDrainsAfterStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 2, 2)
	writePNG(t, filepath.Join(dir, "a.png"), 1, 1)
	writePNG(t, filepath.Join(dir, "c.PNG"), 3, 3)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := Opener{}.Open(context.Background(), framesource.Descriptor{Mode: framesource.ModeImages, Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	// A stopped context does not cut a preloaded source short while it is
	// within the drain limit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wantWidths := []int{1, 2, 3}
	for i, want := range wantWidths {
		f, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("Seq = %d, want %d", f.Seq, i+1)
		}
		if got := f.Image.Bounds().Dx(); got != want {
			t.Errorf("frame %d width = %d, want %d", i, got, want)
		}
	}
	if _, err := src.Read(ctx); !errors.Is(err, framesource.ErrExhausted) {
		t.Errorf("Read after drain err = %v, want ErrExhausted", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()

	tests := []struct {
		name string
		desc framesource.Descriptor
	}{
		{name: "missing directory", desc: framesource.Descriptor{Mode: framesource.ModeImages, Path: filepath.Join(empty, "nope")}},
		{name: "no images", desc: framesource.Descriptor{Mode: framesource.ModeImages, Path: empty}},
		{name: "wrong mode", desc: framesource.Descriptor{Mode: framesource.ModeVideo, Path: empty}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := (Opener{}).Open(context.Background(), tt.desc); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestOpen_MaxFrames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, n := range []string{"1.png", "2.png", "3.png"} {
		writePNG(t, filepath.Join(dir, n), 1, 1)
	}
	src, err := Opener{MaxFrames: 2}.Open(context.Background(), framesource.Descriptor{Mode: framesource.ModeImages, Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := src.(*Source).Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestRead_StopDrainsAtMostDrainLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, n := range []string{"1.png", "2.png", "3.png", "4.png", "5.png"} {
		writePNG(t, filepath.Join(dir, n), 1, 1)
	}

	tests := []struct {
		name       string
		drainLimit int
		live       int
		wantServed int
		wantErr    error
	}{
		{name: "stop before any read", drainLimit: 2, live: 0, wantServed: 2, wantErr: framesource.ErrStopped},
		{name: "stop mid directory", drainLimit: 2, live: 2, wantServed: 4, wantErr: framesource.ErrStopped},
		{name: "limit beyond remaining frames", drainLimit: 10, live: 1, wantServed: 5, wantErr: framesource.ErrExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src, err := Opener{DrainLimit: tt.drainLimit}.Open(context.Background(), framesource.Descriptor{Mode: framesource.ModeImages, Path: dir})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer src.Close()

			ctx, cancel := context.WithCancel(context.Background())
			served := 0
			for {
				if served == tt.live {
					cancel()
				}
				_, err = src.Read(ctx)
				if err != nil {
					break
				}
				served++
			}
			cancel()
			if served != tt.wantServed || !errors.Is(err, tt.wantErr) {
				t.Errorf("served %d frames ending in %v, want %d ending in %v", served, err, tt.wantServed, tt.wantErr)
			}
		})
	}
}

func TestOpen_DefaultDrainLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 1, 1)
	src, err := Opener{}.Open(context.Background(), framesource.Descriptor{Mode: framesource.ModeImages, Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := src.(*Source).drainLimit; got != DefaultDrainLimit {
		t.Errorf("drainLimit = %d, want %d", got, DefaultDrainLimit)
	}
}
