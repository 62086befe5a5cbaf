package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// Canny thresholds on the L1 Sobel magnitude.
const (
	edgeLowThreshold  = 100
	edgeHighThreshold = 200
)

var errNoEdges = errors.New("cutout has no edges to match")

// grayImage is a single-channel float image, row-major.
type grayImage struct {
	w, h int
	pix  []float32
}

func newGray(w, h int) *grayImage {
	return &grayImage{w: w, h: h, pix: make([]float32, w*h)}
}

func (g *grayImage) at(x, y int) float32 { return g.pix[y*g.w+x] }

// SlideOffset returns the horizontal offset at which the cutout piece fits the
// background. Both images are reduced to edge maps first; the cutout is cropped
// to the bounding box of its non-transparent pixels.
func SlideOffset(background, cutout []byte) (int, error) {
	bg, err := decodeImage(background)
	if err != nil {
		return 0, fmt.Errorf("decode background: %w", err)
	}
	piece, err := decodeImage(cutout)
	if err != nil {
		return 0, fmt.Errorf("decode cutout: %w", err)
	}

	box := alphaBounds(piece)
	if box.Empty() {
		return 0, fmt.Errorf("cutout is fully transparent")
	}

	bgEdges := cannyEdges(toGray(bg, bg.Bounds()), edgeLowThreshold, edgeHighThreshold)
	tplEdges := cannyEdges(toGray(piece, box), edgeLowThreshold, edgeHighThreshold)

	x, _, _, err := matchTemplate(bgEdges, tplEdges)
	if err != nil {
		return 0, err
	}
	return x, nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// alphaBounds returns the smallest rectangle containing every pixel with
// non-zero alpha.
func alphaBounds(img image.Image) image.Rectangle {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// toGray converts the rect region of img to luma in [0,255].
func toGray(img image.Image, rect image.Rectangle) *grayImage {
	g := newGray(rect.Dx(), rect.Dy())
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gg, b, _ := img.At(rect.Min.X+x, rect.Min.Y+y).RGBA()
			g.pix[y*g.w+x] = float32(0.299*float64(r>>8) + 0.587*float64(gg>>8) + 0.114*float64(b>>8))
		}
	}
	return g
}

// cannyEdges runs Sobel, non-maximum suppression and hysteresis, returning a
// map of 0 and 255. The one-pixel border is always 0.
func cannyEdges(g *grayImage, low, high float32) *grayImage {
	w, h := g.w, g.h
	mag := make([]float32, w*h)
	dir := make([]uint8, w*h)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -g.at(x-1, y-1) - 2*g.at(x-1, y) - g.at(x-1, y+1) +
				g.at(x+1, y-1) + 2*g.at(x+1, y) + g.at(x+1, y+1)
			gy := -g.at(x-1, y-1) - 2*g.at(x, y-1) - g.at(x+1, y-1) +
				g.at(x-1, y+1) + 2*g.at(x, y+1) + g.at(x+1, y+1)

			i := y*w + x
			mag[i] = abs32(gx) + abs32(gy)
			dir[i] = quantizeDirection(gx, gy)
		}
	}

	// 0 none, 1 weak, 2 strong
	class := make([]uint8, w*h)
	var stack []int
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			if m <= low {
				continue
			}
			var a, b float32
			switch dir[i] {
			case 0:
				a, b = mag[i-1], mag[i+1]
			case 1:
				a, b = mag[i-w-1], mag[i+w+1]
			case 2:
				a, b = mag[i-w], mag[i+w]
			default:
				a, b = mag[i-w+1], mag[i+w-1]
			}
			if m < a || m <= b {
				continue
			}
			if m > high {
				class[i] = 2
				stack = append(stack, i)
			} else {
				class[i] = 1
			}
		}
	}

	out := newGray(w, h)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.pix[i] != 0 {
			continue
		}
		out.pix[i] = 255
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] != 0 && out.pix[j] == 0 {
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

// quantizeDirection maps a gradient to 0 (horizontal), 1 (45deg), 2 (vertical)
// or 3 (135deg).
func quantizeDirection(gx, gy float32) uint8 {
	angle := math.Atan2(float64(gy), float64(gx)) * 180 / math.Pi
	if angle < 0 {
		angle += 180
	}
	switch {
	case angle < 22.5 || angle >= 157.5:
		return 0
	case angle < 67.5:
		return 1
	case angle < 112.5:
		return 2
	default:
		return 3
	}
}

// matchTemplate slides tpl over img and returns the top-left corner with the
// highest normalized correlation coefficient.
func matchTemplate(img, tpl *grayImage) (bestX, bestY int, best float64, err error) {
	if tpl.w > img.w || tpl.h > img.h {
		return 0, 0, 0, fmt.Errorf("template %dx%d larger than image %dx%d", tpl.w, tpl.h, img.w, img.h)
	}

	n := float64(tpl.w * tpl.h)
	var tplSum float64
	for _, v := range tpl.pix {
		tplSum += float64(v)
	}
	tplMean := tplSum / n

	centered := make([]float64, len(tpl.pix))
	var tplVar float64
	for i, v := range tpl.pix {
		c := float64(v) - tplMean
		centered[i] = c
		tplVar += c * c
	}
	if tplVar == 0 {
		return 0, 0, 0, errNoEdges
	}

	sum, sq := integralImages(img)
	stride := img.w + 1
	rect := func(tab []float64, x, y int) float64 {
		x2, y2 := x+tpl.w, y+tpl.h
		return tab[y2*stride+x2] - tab[y*stride+x2] - tab[y2*stride+x] + tab[y*stride+x]
	}

	best = math.Inf(-1)
	for y := 0; y+tpl.h <= img.h; y++ {
		for x := 0; x+tpl.w <= img.w; x++ {
			winSum := rect(sum, x, y)
			winVar := rect(sq, x, y) - winSum*winSum/n
			if winVar <= 0 {
				continue
			}

			var cross float64
			for ty := 0; ty < tpl.h; ty++ {
				row := img.pix[(y+ty)*img.w+x:]
				trow := centered[ty*tpl.w:]
				for tx := 0; tx < tpl.w; tx++ {
					cross += trow[tx] * float64(row[tx])
				}
			}

			score := cross / math.Sqrt(tplVar*winVar)
			if score > best {
				best, bestX, bestY = score, x, y
			}
		}
	}

	if math.IsInf(best, -1) {
		return 0, 0, 0, fmt.Errorf("background has no edges under any template position")
	}
	return bestX, bestY, best, nil
}

// integralImages returns summed-area tables of values and squared values,
// each (w+1)*(h+1).
func integralImages(g *grayImage) (sum, sq []float64) {
	stride := g.w + 1
	sum = make([]float64, stride*(g.h+1))
	sq = make([]float64, stride*(g.h+1))
	for y := 0; y < g.h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < g.w; x++ {
			v := float64(g.pix[y*g.w+x])
			rowSum += v
			rowSq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rowSum
			sq[(y+1)*stride+x+1] = sq[y*stride+x+1] + rowSq
		}
	}
	return sum, sq
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
