// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package imageproc 病理图像预处理：去噪、归一化、裁边与虚拟染色
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	pkgerrors "pathology-platform/pkg/errors"
)

// Decode 解码 PNG/JPEG，返回图像与格式名
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "图像数据为空")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.ErrUnsupportedFormat, err.Error())
	}
	return img, format, nil
}

// Encode 按格式编码；jpeg 质量 90
func Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("编码 PNG failed: %w", err)
		}
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("编码 JPEG failed: %w", err)
		}
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrUnsupportedFormat, "编码格式 %q", format)
	}
	return buf.Bytes(), nil
}

// Denoise 高斯去噪；strength 决定 sigma，<=0 返回原图副本
func Denoise(img image.Image, strength float64) *image.RGBA {
	src := toRGBA(img)
	if strength <= 0 {
		return src
	}
	kernel := gaussianKernel(strength)
	horizontal := convolve1D(src, kernel, true)
	return convolve1D(horizontal, kernel, false)
}

// Normalize 亮度归一化：histogram 直方图均衡，minmax 线性拉伸，zscore 标准化
func Normalize(img image.Image, method string) (*image.RGBA, error) {
	src := toRGBA(img)
	switch method {
	case "", "histogram":
		return equalizeHistogram(src), nil
	case "minmax":
		return stretchMinMax(src), nil
	case "zscore":
		return normalizeZScore(src), nil
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知归一化方法 %q", method)
	}
}

// CropMargins 裁掉接近白色的空白边缘；threshold 为判白亮度阈值（0-255），<=0 用 240
func CropMargins(img image.Image, threshold int) *image.RGBA {
	if threshold <= 0 {
		threshold = 240
	}
	src := toRGBA(img)
	b := src.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luminanceAt(src, x, y) < threshold {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		// 全白图像，不裁剪
		return src
	}
	rect := image.Rect(minX, minY, maxX+1, maxY+1)
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.Set(x, y, src.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}

// defaultStainIntensity 虚拟染色的默认着色强度
const defaultStainIntensity = 1.2

// VirtualStain 虚拟染色：按亮度映射到染色色谱，mode 为 he 或 ihc。
// intensity 加强染色主通道（he 为蓝、ihc 为红），<=0 使用默认 1.2
func VirtualStain(img image.Image, mode string, intensity float64) (*image.RGBA, error) {
	if intensity <= 0 {
		intensity = defaultStainIntensity
	}
	var dark, light color.RGBA
	var boostR, boostB bool
	switch mode {
	case "he":
		// 苏木精-伊红：深紫到粉红，强度作用于蓝通道
		dark = color.RGBA{R: 72, G: 30, B: 110, A: 255}
		light = color.RGBA{R: 244, G: 178, B: 200, A: 255}
		boostB = true
	case "ihc":
		// 免疫组化 DAB：深棕到浅棕，强度作用于红通道
		dark = color.RGBA{R: 90, G: 50, B: 20, A: 255}
		light = color.RGBA{R: 230, G: 210, B: 180, A: 255}
		boostR = true
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知染色模式 %q", mode)
	}
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			t := float64(luminanceAt(src, x, y)) / 255.0
			r := float64(lerp(dark.R, light.R, t))
			g := float64(lerp(dark.G, light.G, t))
			bl := float64(lerp(dark.B, light.B, t))
			if boostR {
				r *= intensity
			}
			if boostB {
				bl *= intensity
			}
			out.SetRGBA(x, y, color.RGBA{
				R: clampU8(r),
				G: clampU8(g),
				B: clampU8(bl),
				A: 255,
			})
		}
	}
	return out, nil
}

// EnhanceOptions 预处理流水线参数
type EnhanceOptions struct {
	DenoiseStrength float64
	NormalizeMethod string
	CropThreshold   int
	StainMode       string  // 空则跳过虚拟染色
	StainIntensity  float64 // <=0 使用默认 1.2
}

// Enhance 预处理流水线：去噪、归一化、裁边、可选虚拟染色，保持原编码格式
func Enhance(data []byte, opts EnhanceOptions) ([]byte, error) {
	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out := Denoise(img, opts.DenoiseStrength)
	out, err = Normalize(out, opts.NormalizeMethod)
	if err != nil {
		return nil, err
	}
	out = CropMargins(out, opts.CropThreshold)
	if opts.StainMode != "" {
		out, err = VirtualStain(out, opts.StainMode, opts.StainIntensity)
		if err != nil {
			return nil, err
		}
	}
	return Encode(out, format)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		cp := image.NewRGBA(rgba.Bounds())
		copy(cp.Pix, rgba.Pix)
		return cp
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

func luminanceAt(img *image.RGBA, x, y int) int {
	c := img.RGBAAt(x, y)
	return int(0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B))
}

// gaussianKernel 一维高斯核，半径取 2*sigma
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(2 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func convolve1D(src *image.RGBA, kernel []float64, horizontal bool) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	radius := len(kernel) / 2
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl float64
			for k := -radius; k <= radius; k++ {
				sx, sy := x, y
				if horizontal {
					sx = clamp(x+k, b.Min.X, b.Max.X-1)
				} else {
					sy = clamp(y+k, b.Min.Y, b.Max.Y-1)
				}
				c := src.RGBAAt(sx, sy)
				w := kernel[k+radius]
				r += w * float64(c.R)
				g += w * float64(c.G)
				bl += w * float64(c.B)
			}
			out.SetRGBA(x, y, color.RGBA{R: uint8(r + 0.5), G: uint8(g + 0.5), B: uint8(bl + 0.5), A: 255})
		}
	}
	return out
}

// equalizeHistogram 按亮度直方图均衡，保持色相按比例缩放
func equalizeHistogram(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	var hist [256]int
	total := b.Dx() * b.Dy()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[luminanceAt(src, x, y)]++
		}
	}
	var lut [256]uint8
	cum := 0
	for i := 0; i < 256; i++ {
		cum += hist[i]
		lut[i] = uint8(255 * cum / total)
	}
	return mapLuminance(src, func(lum int) float64 {
		if lum == 0 {
			return 0
		}
		return float64(lut[lum]) / float64(lum)
	})
}

func stretchMinMax(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	minL, maxL := 255, 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := luminanceAt(src, x, y)
			if l < minL {
				minL = l
			}
			if l > maxL {
				maxL = l
			}
		}
	}
	if maxL <= minL {
		return src
	}
	scale := 255.0 / float64(maxL-minL)
	return mapLuminance(src, func(lum int) float64 {
		if lum == 0 {
			return 0
		}
		return float64(lum-minL) * scale / float64(lum)
	})
}

// normalizeZScore 标准化到均值 128、标准差 64
func normalizeZScore(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	total := float64(b.Dx() * b.Dy())
	var sum, sumSq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := float64(luminanceAt(src, x, y))
			sum += l
			sumSq += l * l
		}
	}
	mean := sum / total
	variance := sumSq/total - mean*mean
	std := math.Sqrt(math.Max(variance, 1e-6))
	return mapLuminance(src, func(lum int) float64 {
		if lum == 0 {
			return 0
		}
		target := 128 + 64*(float64(lum)-mean)/std
		return clampF(target, 0, 255) / float64(lum)
	})
}

// mapLuminance 按亮度缩放因子调整每个像素的 RGB
func mapLuminance(src *image.RGBA, factor func(lum int) float64) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.RGBAAt(x, y)
			f := factor(luminanceAt(src, x, y))
			out.SetRGBA(x, y, color.RGBA{
				R: clampU8(float64(c.R) * f),
				G: clampU8(float64(c.G) * f),
				B: clampU8(float64(c.B) * f),
				A: 255,
			})
		}
	}
	return out
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + t*(float64(b)-float64(a)) + 0.5)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clampU8(v float64) uint8 {
	return uint8(clampF(v, 0, 255) + 0.5)
}
