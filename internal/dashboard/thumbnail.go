// SPDX-License-Identifier: MPL-2.0

package dashboard

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
)

const halfBlock = "▀"

// RenderThumbnail scales the image at path to fit width cells and renders it
// with upper half blocks, two pixel rows per line.
func RenderThumbnail(path string, width int) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open sample image: %w", err)
	}
	return HalfBlocks(img, width), nil
}

// HalfBlocks renders img scaled into a width x width pixel box.
func HalfBlocks(img image.Image, width int) string {
	if width <= 0 {
		return ""
	}
	thumb := imaging.Fit(img, width, width, imaging.Lanczos)
	b := thumb.Bounds()

	var sb strings.Builder
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		for x := b.Min.X; x < b.Max.X; x++ {
			style := lipgloss.NewStyle().Foreground(hexColor(thumb.At(x, y)))
			if y+1 < b.Max.Y {
				style = style.Background(hexColor(thumb.At(x, y+1)))
			}
			sb.WriteString(style.Render(halfBlock))
		}
		if y+2 < b.Max.Y {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func hexColor(c color.Color) lipgloss.Color {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", n.R, n.G, n.B))
}
