package services

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"text/template"
)

const emuPerInch = 914400

// PPTXRenderer writes a minimal PresentationML deck with one full-bleed
// picture per slide on a blank layout.
type PPTXRenderer struct {
	widthIn  float64
	heightIn float64
}

func NewPPTXRenderer(widthIn, heightIn float64) *PPTXRenderer {
	return &PPTXRenderer{widthIn: widthIn, heightIn: heightIn}
}

func (r *PPTXRenderer) Format() string    { return "pptx" }
func (r *PPTXRenderer) Extension() string { return ".pptx" }
func (r *PPTXRenderer) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
}

type pptxSlide struct {
	Num        int
	FrameIndex int
	X, Y       int64
	CX, CY     int64
}

type pptxDeck struct {
	CX, CY int64
	Slides []pptxSlide
}

func (r *PPTXRenderer) Render(frames []ExportFrame, _ string) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("pptx: %w", ErrInvalidSelection)
	}

	deck := pptxDeck{
		CX: int64(r.widthIn * emuPerInch),
		CY: int64(r.heightIn * emuPerInch),
	}
	margin := 0.25
	boxW := (r.widthIn - 2*margin) * emuPerInch
	boxH := (r.heightIn - 2*margin) * emuPerInch
	for i, f := range frames {
		x, y, w, h := fitRect(f.Width, f.Height, boxW, boxH)
		deck.Slides = append(deck.Slides, pptxSlide{
			Num:        i + 1,
			FrameIndex: f.Ref.Index,
			X:          int64(x + margin*emuPerInch),
			Y:          int64(y + margin*emuPerInch),
			CX:         int64(w),
			CY:         int64(h),
		})
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	parts := []struct {
		name string
		tmpl *template.Template
		data any
	}{
		{"[Content_Types].xml", pptxContentTypes, deck},
		{"_rels/.rels", pptxRootRels, nil},
		{"ppt/presentation.xml", pptxPresentation, deck},
		{"ppt/_rels/presentation.xml.rels", pptxPresentationRels, deck},
		{"ppt/slideMasters/slideMaster1.xml", pptxSlideMaster, nil},
		{"ppt/slideMasters/_rels/slideMaster1.xml.rels", pptxSlideMasterRels, nil},
		{"ppt/slideLayouts/slideLayout1.xml", pptxSlideLayout, nil},
		{"ppt/slideLayouts/_rels/slideLayout1.xml.rels", pptxSlideLayoutRels, nil},
		{"ppt/theme/theme1.xml", pptxTheme, nil},
	}
	for _, p := range parts {
		if err := writeZipTemplate(zw, p.name, p.tmpl, p.data); err != nil {
			return nil, err
		}
	}

	for i, s := range deck.Slides {
		if err := writeZipTemplate(zw, fmt.Sprintf("ppt/slides/slide%d.xml", s.Num), pptxSlideXML, s); err != nil {
			return nil, err
		}
		if err := writeZipTemplate(zw, fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", s.Num), pptxSlideRels, s); err != nil {
			return nil, err
		}
		if err := writeZipFile(zw, fmt.Sprintf("ppt/media/image%d.jpeg", s.Num), bytes.NewReader(frames[i].JPEG), zip.Store); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pptx: closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

func pptxTemplate(name, text string) *template.Template {
	funcs := template.FuncMap{"add": func(a, b int) int { return a + b }}
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

func writeZipTemplate(zw *zip.Writer, name string, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("pptx: rendering %s: %w", name, err)
	}
	return writeZipFile(zw, name, &buf, zip.Deflate)
}

func writeZipFile(zw *zip.Writer, name string, r io.Reader, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("pptx: adding %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("pptx: writing %s: %w", name, err)
	}
	return nil
}

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"
	nsA       = `xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"`
	nsR       = `xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"`
	nsP       = `xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"`
	relsNS    = `xmlns="http://schemas.openxmlformats.org/package/2006/relationships"`
	relType   = `http://schemas.openxmlformats.org/officeDocument/2006/relationships/`
	emptyTree = `<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>` +
		`<p:grpSpPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="0" cy="0"/><a:chOff x="0" y="0"/><a:chExt cx="0" cy="0"/></a:xfrm></p:grpSpPr>`
)

var (
	pptxContentTypes = pptxTemplate("ct", xmlHeader +
		`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
		`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
		`<Default Extension="xml" ContentType="application/xml"/>` +
		`<Default Extension="jpeg" ContentType="image/jpeg"/>` +
		`<Override PartName="/ppt/presentation.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"/>` +
		`<Override PartName="/ppt/slideMasters/slideMaster1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideMaster+xml"/>` +
		`<Override PartName="/ppt/slideLayouts/slideLayout1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideLayout+xml"/>` +
		`<Override PartName="/ppt/theme/theme1.xml" ContentType="application/vnd.openxmlformats-officedocument.theme+xml"/>` +
		`{{range .Slides}}<Override PartName="/ppt/slides/slide{{.Num}}.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slide+xml"/>{{end}}` +
		`</Types>`)

	pptxRootRels = pptxTemplate("rels", xmlHeader +
		`<Relationships ` + relsNS + `>` +
		`<Relationship Id="rId1" Type="` + relType + `officeDocument" Target="ppt/presentation.xml"/>` +
		`</Relationships>`)

	pptxPresentation = pptxTemplate("pres", xmlHeader +
		`<p:presentation ` + nsA + ` ` + nsR + ` ` + nsP + `>` +
		`<p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst>` +
		`<p:sldIdLst>{{range .Slides}}<p:sldId id="{{add .Num 255}}" r:id="rId{{add .Num 2}}"/>{{end}}</p:sldIdLst>` +
		`<p:sldSz cx="{{.CX}}" cy="{{.CY}}"/><p:notesSz cx="6858000" cy="9144000"/>` +
		`</p:presentation>`)

	pptxPresentationRels = pptxTemplate("presrels", xmlHeader +
		`<Relationships ` + relsNS + `>` +
		`<Relationship Id="rId1" Type="` + relType + `slideMaster" Target="slideMasters/slideMaster1.xml"/>` +
		`<Relationship Id="rId2" Type="` + relType + `theme" Target="theme/theme1.xml"/>` +
		`{{range .Slides}}<Relationship Id="rId{{add .Num 2}}" Type="` + relType + `slide" Target="slides/slide{{.Num}}.xml"/>{{end}}` +
		`</Relationships>`)

	pptxSlideMaster = pptxTemplate("master", xmlHeader +
		`<p:sldMaster ` + nsA + ` ` + nsR + ` ` + nsP + `>` +
		`<p:cSld><p:bg><p:bgRef idx="1001"><a:schemeClr val="bg1"/></p:bgRef></p:bg><p:spTree>` + emptyTree + `</p:spTree></p:cSld>` +
		`<p:clrMap bg1="lt1" tx1="dk1" bg2="lt2" tx2="dk2" accent1="accent1" accent2="accent2" accent3="accent3" accent4="accent4" accent5="accent5" accent6="accent6" hlink="hlink" folHlink="folHlink"/>` +
		`<p:sldLayoutIdLst><p:sldLayoutId id="2147483649" r:id="rId1"/></p:sldLayoutIdLst>` +
		`</p:sldMaster>`)

	pptxSlideMasterRels = pptxTemplate("masterrels", xmlHeader +
		`<Relationships ` + relsNS + `>` +
		`<Relationship Id="rId1" Type="` + relType + `slideLayout" Target="../slideLayouts/slideLayout1.xml"/>` +
		`<Relationship Id="rId2" Type="` + relType + `theme" Target="../theme/theme1.xml"/>` +
		`</Relationships>`)

	pptxSlideLayout = pptxTemplate("layout", xmlHeader +
		`<p:sldLayout ` + nsA + ` ` + nsR + ` ` + nsP + ` type="blank" preserve="1">` +
		`<p:cSld name="Blank"><p:spTree>` + emptyTree + `</p:spTree></p:cSld>` +
		`<p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr>` +
		`</p:sldLayout>`)

	pptxSlideLayoutRels = pptxTemplate("layoutrels", xmlHeader +
		`<Relationships ` + relsNS + `>` +
		`<Relationship Id="rId1" Type="` + relType + `slideMaster" Target="../slideMasters/slideMaster1.xml"/>` +
		`</Relationships>`)

	pptxSlideXML = pptxTemplate("slide", xmlHeader +
		`<p:sld ` + nsA + ` ` + nsR + ` ` + nsP + `>` +
		`<p:cSld><p:spTree>` + emptyTree +
		`<p:pic><p:nvPicPr><p:cNvPr id="2" name="Frame {{.FrameIndex}}"/><p:cNvPicPr><a:picLocks noChangeAspect="1"/></p:cNvPicPr><p:nvPr/></p:nvPicPr>` +
		`<p:blipFill><a:blip r:embed="rId2"/><a:stretch><a:fillRect/></a:stretch></p:blipFill>` +
		`<p:spPr><a:xfrm><a:off x="{{.X}}" y="{{.Y}}"/><a:ext cx="{{.CX}}" cy="{{.CY}}"/></a:xfrm><a:prstGeom prst="rect"><a:avLst/></a:prstGeom></p:spPr>` +
		`</p:pic></p:spTree></p:cSld>` +
		`<p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr>` +
		`</p:sld>`)

	pptxSlideRels = pptxTemplate("sliderels", xmlHeader +
		`<Relationships ` + relsNS + `>` +
		`<Relationship Id="rId1" Type="` + relType + `slideLayout" Target="../slideLayouts/slideLayout1.xml"/>` +
		`<Relationship Id="rId2" Type="` + relType + `image" Target="../media/image{{.Num}}.jpeg"/>` +
		`</Relationships>`)

	pptxTheme = pptxTemplate("theme", xmlHeader +
		`<a:theme ` + nsA + ` name="Office Theme"><a:themeElements>` +
		`<a:clrScheme name="Office">` +
		`<a:dk1><a:sysClr val="windowText" lastClr="000000"/></a:dk1><a:lt1><a:sysClr val="window" lastClr="FFFFFF"/></a:lt1>` +
		`<a:dk2><a:srgbClr val="1F497D"/></a:dk2><a:lt2><a:srgbClr val="EEECE1"/></a:lt2>` +
		`<a:accent1><a:srgbClr val="4F81BD"/></a:accent1><a:accent2><a:srgbClr val="C0504D"/></a:accent2>` +
		`<a:accent3><a:srgbClr val="9BBB59"/></a:accent3><a:accent4><a:srgbClr val="8064A2"/></a:accent4>` +
		`<a:accent5><a:srgbClr val="4BACC6"/></a:accent5><a:accent6><a:srgbClr val="F79646"/></a:accent6>` +
		`<a:hlink><a:srgbClr val="0000FF"/></a:hlink><a:folHlink><a:srgbClr val="800080"/></a:folHlink>` +
		`</a:clrScheme>` +
		`<a:fontScheme name="Office"><a:majorFont><a:latin typeface="Calibri"/><a:ea typeface=""/><a:cs typeface=""/></a:majorFont>` +
		`<a:minorFont><a:latin typeface="Calibri"/><a:ea typeface=""/><a:cs typeface=""/></a:minorFont></a:fontScheme>` +
		`<a:fmtScheme name="Office">` +
		`<a:fillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:fillStyleLst>` +
		`<a:lnStyleLst><a:ln w="9525"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="25400"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="38100"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln></a:lnStyleLst>` +
		`<a:effectStyleLst><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle></a:effectStyleLst>` +
		`<a:bgFillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:bgFillStyleLst>` +
		`</a:fmtScheme></a:themeElements></a:theme>`)
)
