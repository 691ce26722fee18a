package output

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	damageColor  = color.RGBA{R: 255, G: 64, B: 64, A: 255}
	captionColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	captionBg    = color.RGBA{R: 0, G: 0, B: 0, A: 160}
)

const captionPadding = 5

// render produces the image a sink publishes for f.
func render(f *Frame, cfg Config) *image.RGBA {
	src := f.Image
	scale := 1.0
	if cfg.MaxWidth > 0 && src.Bounds().Dx() > cfg.MaxWidth {
		scale = float64(cfg.MaxWidth) / float64(src.Bounds().Dx())
	}

	var dst *image.RGBA
	if scale == 1.0 {
		dst = image.NewRGBA(src.Bounds())
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		h := int(float64(src.Bounds().Dy())*scale + 0.5)
		if h < 1 {
			h = 1
		}
		dst = image.NewRGBA(image.Rect(0, 0, cfg.MaxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	if cfg.ShowDamage {
		for _, r := range f.Damage {
			outline(dst, scaleRect(r, scale), damageColor)
		}
	}

	if cfg.Caption {
		text := fmt.Sprintf("#%d %dx%d damage=%d", f.Seq, src.Bounds().Dx(), src.Bounds().Dy(), len(f.Damage))
		if f.Cursor {
			text += " cursor"
		}
		drawCaption(dst, text)
	}
	return dst
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	if scale == 1.0 {
		return r
	}
	return image.Rect(
		int(float64(r.Min.X)*scale), int(float64(r.Min.Y)*scale),
		int(float64(r.Max.X)*scale+0.5), int(float64(r.Max.Y)*scale+0.5),
	)
}

// outline draws a one pixel border of r, clipped to img.
func outline(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

// drawCaption writes text in the top left corner over a translucent box.
func drawCaption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(captionColor),
		Face: face,
	}

	textWidthPx := d.MeasureString(text).Ceil()
	lineHeight := face.Metrics().Height.Ceil()
	box := image.Rect(0, 0, textWidthPx+captionPadding*2, lineHeight+captionPadding*2)
	draw.Draw(img, box.Intersect(img.Bounds()), image.NewUniform(captionBg), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(captionPadding),
		Y: fixed.I(captionPadding + face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}
