package services

import (
	"bytes"
	"fmt"
	"html/template"
)

// HTMLRenderer writes a self-contained slideshow page with the frames inlined
// as data URIs.
type HTMLRenderer struct {
	tmpl *template.Template
}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{tmpl: slideshowTemplate}
}

func (r *HTMLRenderer) Format() string      { return "html" }
func (r *HTMLRenderer) Extension() string   { return ".html" }
func (r *HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

type htmlSlide struct {
	Number      int
	FrameNumber int
	Timestamp   string
	Image       template.URL
}

func (r *HTMLRenderer) Render(frames []ExportFrame, title string) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("html: %w", ErrInvalidSelection)
	}
	if title == "" {
		title = "Video Presentation"
	}

	slides := make([]htmlSlide, len(frames))
	for i, f := range frames {
		slides[i] = htmlSlide{
			Number:      i + 1,
			FrameNumber: f.Ref.Index,
			Timestamp:   FormatTimestamp(f.Ref.Timestamp),
			// Data URIs are only ever built from our own JPEG bytes.
			Image: template.URL(jpegDataURI(f.JPEG)),
		}
	}

	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, struct {
		Title  string
		Total  int
		Slides []htmlSlide
	}{title, len(slides), slides})
	if err != nil {
		return nil, fmt.Errorf("html: %w", err)
	}
	return buf.Bytes(), nil
}

var slideshowTemplate = template.Must(template.New("slideshow").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #1a1a1a; color: #fff; overflow: hidden; height: 100vh; }
.header { position: fixed; top: 0; left: 0; right: 0; padding: 10px 20px; background: rgba(0,0,0,.7); display: flex; justify-content: space-between; align-items: center; z-index: 10; }
.header h1 { font-size: 16px; font-weight: 500; }
.header button, .controls button { background: rgba(255,255,255,.15); color: #fff; border: 0; border-radius: 4px; padding: 6px 12px; cursor: pointer; }
.stage { position: relative; width: 100%; height: 100vh; background: #000; }
.slide { display: none; position: absolute; inset: 0; align-items: center; justify-content: center; }
.slide.active { display: flex; }
.slide img { max-width: 100%; max-height: 100%; object-fit: contain; user-select: none; }
.controls { position: fixed; bottom: 20px; left: 50%; transform: translateX(-50%); display: flex; gap: 12px; align-items: center; background: rgba(0,0,0,.7); padding: 8px 16px; border-radius: 24px; }
.info { text-align: center; min-width: 120px; font-size: 14px; }
@media print { .header, .controls { display: none; } .slide { display: flex; position: static; height: 100vh; page-break-after: always; } }
</style>
</head>
<body>
<div class="header">
  <h1>{{.Title}}</h1>
  <div><button onclick="window.print()">Print</button> <button onclick="toggleFullscreen()">Fullscreen</button></div>
</div>
<div class="stage">
{{- range .Slides}}
  <div class="slide" data-timestamp="{{.Timestamp}}" data-frame="{{.FrameNumber}}">
    <img src="{{.Image}}" alt="Slide {{.Number}}">
  </div>
{{- end}}
</div>
<div class="controls">
  <button id="prev" onclick="show(current - 1)" title="Previous">&lsaquo;</button>
  <div class="info"><div id="counter">1 / {{.Total}}</div><div id="timestamp">00:00</div></div>
  <button id="next" onclick="show(current + 1)" title="Next">&rsaquo;</button>
</div>
<script>
const slides = document.querySelectorAll('.slide');
let current = 0;
function show(n) {
  current = (n + slides.length) % slides.length;
  slides.forEach(s => s.classList.remove('active'));
  slides[current].classList.add('active');
  document.getElementById('counter').textContent = (current + 1) + ' / ' + slides.length;
  document.getElementById('timestamp').textContent = slides[current].dataset.timestamp;
}
function toggleFullscreen() {
  if (!document.fullscreenElement) { document.documentElement.requestFullscreen().catch(() => {}); }
  else { document.exitFullscreen(); }
}
document.addEventListener('keydown', e => {
  if (['ArrowRight', 'ArrowDown', ' '].includes(e.key)) { e.preventDefault(); show(current + 1); }
  else if (['ArrowLeft', 'ArrowUp'].includes(e.key)) { e.preventDefault(); show(current - 1); }
  else if (e.key === 'Home') { show(0); }
  else if (e.key === 'End') { show(slides.length - 1); }
  else if (e.key === 'f' || e.key === 'F') { toggleFullscreen(); }
});
let touchX = 0;
document.addEventListener('touchstart', e => { touchX = e.changedTouches[0].screenX; });
document.addEventListener('touchend', e => {
  const d = touchX - e.changedTouches[0].screenX;
  if (Math.abs(d) > 50) { show(d > 0 ? current + 1 : current - 1); }
});
show(0);
</script>
</body>
</html>
`))
