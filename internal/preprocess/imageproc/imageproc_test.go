package imageproc

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	pkgerrors "pathology-platform/pkg/errors"
)

// testImage 白底中央深色方块
func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	for y := h / 4; y < 3*h/4; y++ {
		for x := w / 4; x < 3*w/4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 80, G: 40, B: 90, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeEncode(t *testing.T) {
	data := encodePNG(t, testImage(16, 16))
	img, format, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != "png" {
		t.Errorf("format: got %q", format)
	}
	out, err := Encode(img, "jpeg")
	if err != nil {
		t.Fatalf("Encode jpeg: %v", err)
	}
	if len(out) == 0 {
		t.Error("Encode produced no bytes")
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, _, err := Decode([]byte("not an image")); !errors.Is(err, pkgerrors.ErrUnsupportedFormat) {
		t.Errorf("want ErrUnsupportedFormat, got %v", err)
	}
	if _, _, err := Decode(nil); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("empty: want ErrInvalidArg, got %v", err)
	}
}

func TestDenoise(t *testing.T) {
	src := testImage(16, 16)
	// 打一个亮噪点
	src.SetRGBA(8, 8, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	out := Denoise(src, 1.5)
	if out.Bounds() != src.Bounds() {
		t.Errorf("bounds changed: %v", out.Bounds())
	}
	// 噪点被邻域深色像素平滑压低
	if got := luminanceAt(out, 8, 8); got >= 250 {
		t.Errorf("noise pixel should be smoothed, luminance %d", got)
	}

	// strength<=0 原样返回
	same := Denoise(src, 0)
	if luminanceAt(same, 8, 8) != luminanceAt(src, 8, 8) {
		t.Error("zero strength should not change pixels")
	}
}

func TestNormalize_Methods(t *testing.T) {
	// 低对比度灰块
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint8(100 + x*2)
			src.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	for _, method := range []string{"histogram", "minmax", "zscore"} {
		out, err := Normalize(src, method)
		if err != nil {
			t.Fatalf("Normalize %s: %v", method, err)
		}
		lo := luminanceAt(out, 0, 0)
		hi := luminanceAt(out, 7, 0)
		if hi-lo <= luminanceAt(src, 7, 0)-luminanceAt(src, 0, 0) {
			t.Errorf("%s should widen contrast: got %d..%d", method, lo, hi)
		}
	}

	if _, err := Normalize(src, "gamma"); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("unknown method: want ErrInvalidArg, got %v", err)
	}
}

func TestCropMargins(t *testing.T) {
	src := testImage(16, 16)
	out := CropMargins(src, 0)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 8 {
		t.Errorf("crop: got %v, want 8x8", out.Bounds())
	}

	// 全白图像不裁剪
	blank := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			blank.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	out = CropMargins(blank, 0)
	if out.Bounds().Dx() != 10 || out.Bounds().Dy() != 10 {
		t.Errorf("blank image should not shrink: %v", out.Bounds())
	}
}

func TestVirtualStain(t *testing.T) {
	src := testImage(8, 8)
	for _, mode := range []string{"he", "ihc"} {
		out, err := VirtualStain(src, mode, 0)
		if err != nil {
			t.Fatalf("VirtualStain %s: %v", mode, err)
		}
		// 白底映射到浅色端，方块映射到深色端
		bg := out.RGBAAt(0, 0)
		fg := out.RGBAAt(4, 4)
		if luminance(bg) <= luminance(fg) {
			t.Errorf("%s: background should stay lighter than tissue", mode)
		}
	}
	if _, err := VirtualStain(src, "trichrome", 0); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("unknown mode: want ErrInvalidArg, got %v", err)
	}
}

func TestVirtualStain_Intensity(t *testing.T) {
	src := testImage(8, 8)
	weak, err := VirtualStain(src, "ihc", 1.0)
	if err != nil {
		t.Fatalf("VirtualStain: %v", err)
	}
	strong, err := VirtualStain(src, "ihc", 1.5)
	if err != nil {
		t.Fatalf("VirtualStain: %v", err)
	}
	// ihc 的强度加在红通道上；取深色端像素避免 255 截断
	if strong.RGBAAt(4, 4).R <= weak.RGBAAt(4, 4).R {
		t.Errorf("higher intensity should deepen the stain channel: %d vs %d",
			strong.RGBAAt(4, 4).R, weak.RGBAAt(4, 4).R)
	}
	if strong.RGBAAt(4, 4).G != weak.RGBAAt(4, 4).G {
		t.Errorf("intensity should leave the green channel alone")
	}
}

func TestEnhance_Pipeline(t *testing.T) {
	data := encodePNG(t, testImage(16, 16))
	out, err := Enhance(data, EnhanceOptions{
		DenoiseStrength: 1.0,
		NormalizeMethod: "minmax",
		StainMode:       "he",
	})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	img, format, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode output: %v", err)
	}
	if format != "png" {
		t.Errorf("output format: got %q", format)
	}
	if img.Bounds().Dx() > 16 || img.Bounds().Dy() > 16 {
		t.Errorf("output bounds: %v", img.Bounds())
	}
}

func luminance(c color.RGBA) int {
	return int(0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B))
}
