package features

import (
	"image"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// TableBox returns the bounding box of all long horizontal and vertical
// rules, or an empty rectangle when there are none.
func (d *Detector) TableBox(bin *image.Gray) image.Rectangle {
	k := max(2, d.cfg.TableKernel)
	horizontal := vision.Open(bin, vision.Rect(k, 1))
	vertical := vision.Open(bin, vision.Rect(1, k))
	rules := vision.Or(horizontal, vertical)
	if dl := d.cfg.TableDilate; dl > 1 {
		rules = vision.Dilate(rules, vision.Rect(dl, dl))
	}
	comps, _ := vision.Components(rules)
	return vision.UnionBox(comps)
}

// GridLines counts horizontal and vertical table rules.
func (d *Detector) GridLines(bin *image.Gray) (int, int) {
	return vision.GridLines(bin)
}
