package imageprep

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

const (
	// BlankWidth and BlankHeight size the transparent canvas used when the
	// source image cannot be loaded.
	BlankWidth  = 300
	BlankHeight = 200

	MaxEdge      = 1024
	LogoFraction = 7
	CornerRadius = 20
	Margin       = 20
)

// Composite is the result of watermarking one image.
type Composite struct {
	Image *image.NRGBA
	// Blank is set when the source was unavailable and a blank canvas was used.
	Blank bool
	// Watermarked is false when the logo was missing or did not fit.
	Watermarked bool
}

// Compose fits src inside MaxEdge and pastes logo at the bottom-right.
// A nil src yields a blank canvas; a nil logo yields the resized base.
func Compose(src, logo image.Image) Composite {
	var out Composite
	if src == nil {
		src = blankCanvas()
		out.Blank = true
	}
	base := fit(src, MaxEdge)
	out.Image = base

	if logo == nil {
		return out
	}
	mark := scaleLogo(logo, base.Bounds().Dx()/LogoFraction)
	if mark == nil {
		return out
	}
	roundCorners(mark, CornerRadius)

	b := base.Bounds()
	x := b.Dx() - mark.Bounds().Dx() - Margin
	y := b.Dy() - mark.Bounds().Dy() - Margin
	if x < 0 || y < 0 {
		return out
	}
	r := image.Rect(x, y, x+mark.Bounds().Dx(), y+mark.Bounds().Dy())
	draw.Draw(base, r, mark, image.Point{}, draw.Over)
	out.Watermarked = true
	return out
}

func blankCanvas() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, BlankWidth, BlankHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 0}), image.Point{}, draw.Src)
	return img
}

// fit scales src so its longer edge is at most maxEdge. Smaller images keep
// their size.
func fit(src image.Image, maxEdge int) *image.NRGBA {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if w <= 0 || h <= 0 {
		return blankCanvas()
	}
	nw, nh := w, h
	if w > h {
		nw = min(w, maxEdge)
		nh = int(float64(nw) * float64(h) / float64(w))
	} else {
		nh = min(h, maxEdge)
		nw = int(float64(nh) * float64(w) / float64(h))
	}
	nw, nh = max(nw, 1), max(nh, 1)

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	if nw == w && nh == h {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	return dst
}

func scaleLogo(logo image.Image, width int) *image.NRGBA {
	lb := logo.Bounds()
	if width <= 0 || lb.Dx() <= 0 || lb.Dy() <= 0 {
		return nil
	}
	height := int(float64(lb.Dy()) * float64(width) / float64(lb.Dx()))
	if height <= 0 {
		return nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), logo, lb, xdraw.Src, nil)
	return dst
}

// roundCorners clears the alpha outside a rounded rectangle covering img.
func roundCorners(img *image.NRGBA, radius int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	r := min(radius, w/2, h/2)
	if r <= 0 {
		return
	}
	rr := float64(r) * float64(r)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var cx, cy int
			switch {
			case x < r && y < r:
				cx, cy = r, r
			case x >= w-r && y < r:
				cx, cy = w-r-1, r
			case x < r && y >= h-r:
				cx, cy = r, h-r-1
			case x >= w-r && y >= h-r:
				cx, cy = w-r-1, h-r-1
			default:
				continue
			}
			dx, dy := float64(x-cx), float64(y-cy)
			if dx*dx+dy*dy > rr {
				i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
				img.Pix[i+3] = 0
			}
		}
	}
}
