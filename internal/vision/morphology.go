package vision

import "image"

// Kernel is a rectangular structuring element of W x H pixels.
type Kernel struct {
	W, H int
}

// Rect returns a w x h kernel.
func Rect(w, h int) Kernel { return Kernel{W: max(1, w), H: max(1, h)} }

// Erode keeps a foreground pixel only when every pixel of the kernel window
// around it is foreground. Pixels outside the image do not erode.
func Erode(g *image.Gray, k Kernel) *image.Gray {
	return vertical(horizontal(g, k.W, true), k.H, true)
}

// Dilate sets a pixel when any pixel of the kernel window around it is
// foreground.
func Dilate(g *image.Gray, k Kernel) *image.Gray {
	return vertical(horizontal(g, k.W, false), k.H, false)
}

// Open is erosion followed by dilation; it removes structures smaller than k.
func Open(g *image.Gray, k Kernel) *image.Gray { return Dilate(Erode(g, k), k) }

// Close is dilation followed by erosion; it fills gaps smaller than k.
func Close(g *image.Gray, k Kernel) *image.Gray { return Erode(Dilate(g, k), k) }

// Or combines two binary images of equal size.
func Or(a, b *image.Gray) *image.Gray {
	out := image.NewGray(a.Bounds())
	for i := range out.Pix {
		if a.Pix[i] >= 128 || b.Pix[i] >= 128 {
			out.Pix[i] = 255
		}
	}
	return out
}

// horizontal runs a 1-D min (erode) or max (dilate) filter of length n along
// rows using running counts of foreground pixels.
func horizontal(g *image.Gray, n int, erode bool) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	out := image.NewGray(g.Bounds())
	if n <= 1 {
		copy(out.Pix, g.Pix)
		return out
	}
	before := n / 2
	after := n - 1 - before
	prefix := make([]int, w+1)
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			prefix[x+1] = prefix[x]
			if v >= 128 {
				prefix[x+1]++
			}
		}
		dst := out.Pix[y*out.Stride : y*out.Stride+w]
		for x := range w {
			x0, x1 := max(0, x-before), min(w, x+after+1)
			on := prefix[x1] - prefix[x0]
			if (erode && on == x1-x0) || (!erode && on > 0) {
				dst[x] = 255
			}
		}
	}
	return out
}

func vertical(g *image.Gray, n int, erode bool) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	out := image.NewGray(g.Bounds())
	if n <= 1 {
		copy(out.Pix, g.Pix)
		return out
	}
	before := n / 2
	after := n - 1 - before
	prefix := make([]int, h+1)
	for x := range w {
		for y := range h {
			prefix[y+1] = prefix[y]
			if g.Pix[y*g.Stride+x] >= 128 {
				prefix[y+1]++
			}
		}
		for y := range h {
			y0, y1 := max(0, y-before), min(h, y+after+1)
			on := prefix[y1] - prefix[y0]
			if (erode && on == y1-y0) || (!erode && on > 0) {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}
