// Package predict extracts outbound references from a completed
// HTML/CSS/JS response, scores them, and tracks prediction accuracy
// over a per-origin ring buffer. When no scoring model is configured,
// the Basic rules are authoritative.
package predict

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/menchan-Rub/quantum/scheduler"
)

// ContentKind identifies which extractor a response body is run through.
type ContentKind int

const (
	ContentHTML ContentKind = iota
	ContentCSS
	ContentJS
)

// Reference is one outbound URL discovered in a fetched resource.
type Reference struct {
	URL    string
	Type   scheduler.ResourceType
	Weight float64

	// DNSPrefetchOnly / PreconnectOnly mark references extracted from
	// <link rel="dns-prefetch|preconnect">, which trigger DNS prefetch /
	// preconnect actions rather than fetches.
	DNSPrefetchOnly bool
	PreconnectOnly  bool
}

var (
	linkTagRe   = regexp.MustCompile(`(?is)<link\b([^>]*)>`)
	scriptTagRe = regexp.MustCompile(`(?is)<script\b([^>]*?)(?:/>|>(.*?)</script\s*>)`)
	imgTagRe    = regexp.MustCompile(`(?is)<img\b([^>]*)>`)
	sourceTagRe = regexp.MustCompile(`(?is)<source\b([^>]*)>`)
	mediaTagRe  = regexp.MustCompile(`(?is)<(video|audio)\b([^>]*)>`)
	iframeTagRe = regexp.MustCompile(`(?is)<iframe\b([^>]*)>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style\b[^>]*>(.*?)</style\s*>`)
	metaTagRe   = regexp.MustCompile(`(?is)<meta\b([^>]*)>`)
	baseTagRe   = regexp.MustCompile(`(?is)<base\b([^>]*)>`)
	attrRe      = func(name string) *regexp.Regexp {
		return regexp.MustCompile(`(?is)\b` + name + `\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
	}

	cssImportRe = regexp.MustCompile(`(?is)@import\s+(?:url\()?\s*["']?([^"')\s;]+)["']?\s*\)?`)
	cssURLRe    = regexp.MustCompile(`(?is)\burl\(\s*["']?([^"')\s]+)["']?\s*\)`)

	jsImportRe   = regexp.MustCompile(`(?s)\bimport\s+(?:[\w*${}\s,]+\s+from\s+)?["']([^"']+)["']`)
	jsDynImportRe = regexp.MustCompile(`(?s)\bimport\s*\(\s*["']([^"']+)["']\s*\)`)
	jsFetchRe    = regexp.MustCompile(`(?s)\bfetch\(\s*["']([^"']+)["']`)
	jsXHRRe      = regexp.MustCompile(`(?s)\.open\(\s*["']\w+["']\s*,\s*["']([^"']+)["']`)
	jsWSRe       = regexp.MustCompile(`(?s)\bnew\s+WebSocket\(\s*["']([^"']+)["']`)
	jsImageRe    = regexp.MustCompile(`(?s)\bnew\s+Image\(\)[\s\S]{0,40}?\.src\s*=\s*["']([^"']+)["']`)
	jsSWRe       = regexp.MustCompile(`(?s)serviceWorker\.register\(\s*["']([^"']+)["']`)
)

func attrValue(tag, name string) (string, bool) {
	m := attrRe(name).FindStringSubmatch(tag)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g != "" {
			return g, true
		}
	}
	return "", true
}

func hasAttr(tag, name, value string) bool {
	v, ok := attrValue(tag, name)
	return ok && strings.EqualFold(strings.TrimSpace(v), value)
}

// srcsetCandidate is one entry of a parsed srcset attribute.
type srcsetCandidate struct {
	url   string
	width int // 0 if no 'w' descriptor
}

func parseSrcset(raw string) []srcsetCandidate {
	var out []srcsetCandidate
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		cand := srcsetCandidate{url: fields[0]}
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			if n, err := strconv.Atoi(strings.TrimSuffix(fields[1], "w")); err == nil {
				cand.width = n
			}
		}
		out = append(out, cand)
	}
	return out
}

// selectSrcsetCandidate picks the smallest candidate whose width
// descriptor is at least viewport_width·1.5, else the largest below it.
func selectSrcsetCandidate(cands []srcsetCandidate, viewportWidth int) string {
	if len(cands) == 0 {
		return ""
	}
	threshold := float64(viewportWidth) * 1.5
	best := -1
	bestLargestBelow := -1
	for i, c := range cands {
		if float64(c.width) >= threshold {
			if best == -1 || c.width < cands[best].width {
				best = i
			}
		} else if bestLargestBelow == -1 || c.width > cands[bestLargestBelow].width {
			bestLargestBelow = i
		}
	}
	if best != -1 {
		return cands[best].url
	}
	if bestLargestBelow != -1 {
		return cands[bestLargestBelow].url
	}
	return cands[0].url
}

// resolve resolves ref against base; net/url's ResolveReference
// implements RFC 3986 relative resolution, which is what the HTML URL
// standard defers to for this step.
func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base == nil {
		if !u.IsAbs() {
			return "", false
		}
		return u.String(), true
	}
	return base.ResolveReference(u).String(), true
}

// ExtractHTMLReferences scans HTML for outbound references, honoring a
// <base href> override for relative resolution.
func ExtractHTMLReferences(body []byte, baseURL string, viewportWidth int) []Reference {
	base, _ := url.Parse(baseURL)
	html := string(body)

	currentBase := base
	if m := baseTagRe.FindString(html); m != "" {
		if href, ok := attrValue(m, "href"); ok {
			if u, ok := resolve(base, href); ok {
				if parsed, err := url.Parse(u); err == nil {
					currentBase = parsed
				}
			}
		}
	}

	var refs []Reference
	add := func(raw string, typ scheduler.ResourceType, weight float64, dnsOnly, preOnly bool) {
		if u, ok := resolve(currentBase, raw); ok {
			refs = append(refs, Reference{URL: u, Type: typ, Weight: weight, DNSPrefetchOnly: dnsOnly, PreconnectOnly: preOnly})
		}
	}

	for _, m := range linkTagRe.FindAllString(html, -1) {
		rel, _ := attrValue(m, "rel")
		rel = strings.ToLower(strings.TrimSpace(rel))
		href, ok := attrValue(m, "href")
		if !ok {
			continue
		}
		switch rel {
		case "stylesheet":
			add(href, scheduler.ResourceStylesheet, 0.9, false, false)
		case "preload":
			add(href, scheduler.ResourceOther, 0.7, false, false)
		case "icon":
			add(href, scheduler.ResourceImage, 0.3, false, false)
		case "manifest":
			add(href, scheduler.ResourceFetch, 0.4, false, false)
		case "dns-prefetch":
			add(href, scheduler.ResourceOther, 0.2, true, false)
		case "preconnect":
			add(href, scheduler.ResourceOther, 0.3, false, true)
		}
	}

	for _, m := range scriptTagRe.FindAllStringSubmatch(html, -1) {
		tag := m[1]
		if src, ok := attrValue(tag, "src"); ok {
			add(src, scheduler.ResourceScript, 0.85, false, false)
		}
		if m[2] != "" {
			refs = append(refs, ExtractJSReferences([]byte(m[2]), currentBaseString(currentBase))...)
		}
	}

	for _, m := range styleTagRe.FindAllStringSubmatch(html, -1) {
		refs = append(refs, ExtractCSSReferences([]byte(m[1]), currentBaseString(currentBase))...)
	}

	for _, m := range imgTagRe.FindAllString(html, -1) {
		if srcset, ok := attrValue(m, "srcset"); ok {
			if best := selectSrcsetCandidate(parseSrcset(srcset), viewportWidth); best != "" {
				add(best, scheduler.ResourceImage, 0.5, false, false)
				continue
			}
		}
		if src, ok := attrValue(m, "src"); ok {
			add(src, scheduler.ResourceImage, 0.5, false, false)
		}
	}

	for _, m := range sourceTagRe.FindAllString(html, -1) {
		if src, ok := attrValue(m, "src"); ok {
			add(src, scheduler.ResourceMedia, 0.4, false, false)
		}
	}
	for _, m := range mediaTagRe.FindAllStringSubmatch(html, -1) {
		if src, ok := attrValue(m[2], "src"); ok {
			add(src, scheduler.ResourceMedia, 0.4, false, false)
		}
	}
	for _, m := range iframeTagRe.FindAllString(html, -1) {
		if src, ok := attrValue(m, "src"); ok {
			add(src, scheduler.ResourceDocument, 0.3, false, false)
		}
	}
	for _, m := range metaTagRe.FindAllString(html, -1) {
		if !hasAttr(m, "name", "x-quantum-preload") {
			continue
		}
		if content, ok := attrValue(m, "content"); ok {
			add(content, scheduler.ResourceOther, 0.6, false, false)
		}
	}
	return refs
}

func currentBaseString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// ExtractCSSReferences extracts @import url(...) plus url(...)
// references for fonts and images.
func ExtractCSSReferences(body []byte, baseURL string) []Reference {
	base, _ := url.Parse(baseURL)
	css := string(body)
	var refs []Reference

	importSpans := cssImportRe.FindAllStringIndex(css, -1)
	for _, span := range importSpans {
		m := cssImportRe.FindStringSubmatch(css[span[0]:span[1]])
		if u, ok := resolve(base, m[1]); ok {
			refs = append(refs, Reference{URL: u, Type: scheduler.ResourceStylesheet, Weight: 0.8})
		}
	}

	// Mask out @import spans before scanning for bare url(...) so the
	// import's own url() isn't double-counted as a font/image reference.
	masked := []byte(css)
	for _, span := range importSpans {
		for i := span[0]; i < span[1]; i++ {
			masked[i] = ' '
		}
	}
	for _, m := range cssURLRe.FindAllStringSubmatch(string(masked), -1) {
		if u, ok := resolve(base, m[1]); ok {
			refs = append(refs, Reference{URL: u, Type: classifyCSSURL(m[1]), Weight: 0.4})
		}
	}
	return refs
}

func classifyCSSURL(raw string) scheduler.ResourceType {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasSuffix(lower, ".woff"), strings.HasSuffix(lower, ".woff2"),
		strings.HasSuffix(lower, ".ttf"), strings.HasSuffix(lower, ".otf"):
		return scheduler.ResourceFont
	default:
		return scheduler.ResourceImage
	}
}

// ExtractJSReferences is a best-effort regex extraction of JS-initiated
// requests: static/dynamic import, fetch(), XHR.open, new WebSocket,
// new Image().src, and service-worker registration.
func ExtractJSReferences(body []byte, baseURL string) []Reference {
	base, _ := url.Parse(baseURL)
	js := string(body)
	var refs []Reference
	add := func(re *regexp.Regexp, typ scheduler.ResourceType, weight float64) {
		for _, m := range re.FindAllStringSubmatch(js, -1) {
			if u, ok := resolve(base, m[1]); ok {
				refs = append(refs, Reference{URL: u, Type: typ, Weight: weight})
			}
		}
	}
	add(jsImportRe, scheduler.ResourceScript, 0.7)
	add(jsDynImportRe, scheduler.ResourceScript, 0.6)
	add(jsFetchRe, scheduler.ResourceFetch, 0.5)
	add(jsXHRRe, scheduler.ResourceXHR, 0.5)
	add(jsWSRe, scheduler.ResourceWebSocket, 0.3)
	add(jsImageRe, scheduler.ResourceImage, 0.4)
	add(jsSWRe, scheduler.ResourceOther, 0.2)
	return refs
}

// ExtractReferences dispatches to the extractor matching kind.
func ExtractReferences(kind ContentKind, body []byte, baseURL string, viewportWidth int) []Reference {
	switch kind {
	case ContentHTML:
		return ExtractHTMLReferences(body, baseURL, viewportWidth)
	case ContentCSS:
		return ExtractCSSReferences(body, baseURL)
	case ContentJS:
		return ExtractJSReferences(body, baseURL)
	default:
		return nil
	}
}

// Record is one ring-buffer entry: a predicted URL plus outcome
// bookkeeping.
type Record struct {
	URL          string
	Type         scheduler.ResourceType
	Probability  float64
	Timestamp    time.Time
	WasUsed      bool
	WasEvaluated bool
}

const ringCapacity = 100

// originRing is a fixed-capacity ring buffer of prediction records for
// one origin, plus aggregated accuracy counters.
type originRing struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool

	totalPredictions      int
	successfulPredictions int
	recentWindow          []bool // true = used, bounded for "recent-window accuracy"
}

const recentWindowSize = 50

func newOriginRing() *originRing {
	return &originRing{records: make([]Record, ringCapacity)}
}

func (r *originRing) push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % ringCapacity
	if r.next == 0 {
		r.full = true
	}
	r.totalPredictions++
}

func (r *originRing) markUsed(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := ringCapacity
	if !r.full {
		n = r.next
	}
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + ringCapacity) % ringCapacity
		rec := &r.records[idx]
		if rec.URL == url && !rec.WasEvaluated {
			rec.WasEvaluated = true
			rec.WasUsed = true
			r.successfulPredictions++
			r.recentWindow = append(r.recentWindow, true)
			r.trimWindow()
			return true
		}
	}
	return false
}

func (r *originRing) markUnevaluated(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := ringCapacity
	if !r.full {
		n = r.next
	}
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + ringCapacity) % ringCapacity
		rec := &r.records[idx]
		if rec.URL == url && !rec.WasEvaluated {
			rec.WasEvaluated = true
			r.recentWindow = append(r.recentWindow, false)
			r.trimWindow()
			return
		}
	}
}

func (r *originRing) trimWindow() {
	if len(r.recentWindow) > recentWindowSize {
		r.recentWindow = r.recentWindow[len(r.recentWindow)-recentWindowSize:]
	}
}

func (r *originRing) accuracy() (overall, recent float64, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalPredictions > 0 {
		overall = float64(r.successfulPredictions) / float64(r.totalPredictions)
	}
	if n := len(r.recentWindow); n > 0 {
		hits := 0
		for _, used := range r.recentWindow {
			if used {
				hits++
			}
		}
		recent = float64(hits) / float64(n)
	}
	return overall, recent, r.totalPredictions
}

// Model is the pluggable predictor interface; the variants (Disabled,
// Basic, Advanced, UserAdaptive) are swapped by construction, not by
// conditional branches.
type Model interface {
	// Score returns a prediction_factor in [0.2, 2.0] for a reference
	// at index sourcePosition of its page's extracted references.
	Score(ref Reference, sourcePosition int) float64
}

// Disabled never boosts or suppresses any reference (neutral factor 1.0
// for everything); used when prediction_model = Disabled.
type Disabled struct{}

func (Disabled) Score(Reference, int) float64 { return 1.0 }

// Basic is the no-model scoring path: a heuristic over the reference's
// own Weight plus its discovery order, with earlier references scoring
// higher.
type Basic struct{}

func (Basic) Score(ref Reference, sourcePosition int) float64 {
	positionBoost := 1.0
	if sourcePosition < 5 {
		positionBoost = 1.3
	} else if sourcePosition < 20 {
		positionBoost = 1.1
	}
	factor := ref.Weight * 2.0 * positionBoost
	if factor < minPredictionFactor {
		factor = minPredictionFactor
	}
	if factor > maxPredictionFactor {
		factor = maxPredictionFactor
	}
	return factor
}

const (
	minPredictionFactor = 0.2
	maxPredictionFactor = 2.0
)

// ScoreFunc adapts a plain function to the Model interface, used by
// Advanced/UserAdaptive when an injected scorer (e.g. a loaded ML
// model) is available; no model ships with this repository, so the
// common case falls back to Basic.
type ScoreFunc func(ref Reference, sourcePosition int) float64

// Advanced wraps an externally-supplied scoring function, falling back
// to Basic when none is configured.
type Advanced struct {
	Scorer ScoreFunc
	basic  Basic
}

func (a Advanced) Score(ref Reference, sourcePosition int) float64 {
	if a.Scorer == nil {
		return a.basic.Score(ref, sourcePosition)
	}
	return a.Scorer(ref, sourcePosition)
}

// UserAdaptive scores exactly like Advanced. It keeps no per-origin
// weights: the Predictor's accuracy bookkeeping (see Predictor.Accuracy)
// is recorded for every model, and nothing adjusts or resets
// UserAdaptive's scoring from it.
type UserAdaptive struct {
	Advanced
}

// Predictor combines a Model with per-origin ring buffers, accuracy
// bookkeeping, and the top-k prefetch selection plus dedup policy.
type Predictor struct {
	model Model

	mu    sync.Mutex
	rings map[string]*originRing

	// inFlightOrCached reports whether url should be skipped as a
	// prefetch candidate because it is already cached or already being
	// fetched; supplied by the client facade, which owns both.
	inFlightOrCached func(url string) bool
}

// New constructs a Predictor using model (pass Disabled{} to disable
// prediction entirely, matching prediction_model = Disabled).
func New(model Model, inFlightOrCached func(url string) bool) *Predictor {
	if model == nil {
		model = Basic{}
	}
	if inFlightOrCached == nil {
		inFlightOrCached = func(string) bool { return false }
	}
	return &Predictor{model: model, rings: make(map[string]*originRing), inFlightOrCached: inFlightOrCached}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func (p *Predictor) ringFor(origin string) *originRing {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rings[origin]
	if !ok {
		r = newOriginRing()
		p.rings[origin] = r
	}
	return r
}

// Predict scores every extracted reference, records a prediction entry
// per origin, and returns the top-k (default 5) prefetch candidates
// ordered by descending score, excluding URLs that inFlightOrCached
// reports as already in flight or cached, and DNS-prefetch/preconnect-only
// references (those are dispatched separately by the caller, not
// prefetched). A URL repeated within refs is not merged.
func (p *Predictor) Predict(pageURL string, refs []Reference, k int) []Reference {
	if k <= 0 {
		k = 5
	}
	origin := originOf(pageURL)
	ring := p.ringFor(origin)

	type scored struct {
		ref   Reference
		score float64
	}
	var candidates []scored
	now := recordTime()
	for i, ref := range refs {
		if ref.DNSPrefetchOnly || ref.PreconnectOnly {
			continue
		}
		if p.inFlightOrCached(ref.URL) {
			continue
		}
		score := p.model.Score(ref, i)
		ring.push(Record{URL: ref.URL, Type: ref.Type, Probability: score / maxPredictionFactor, Timestamp: now})
		candidates = append(candidates, scored{ref: ref, score: score})
	}

	// Stable descending sort by score (insertion sort: candidate lists
	// from one page are small, typically tens of entries).
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Reference, len(candidates))
	for i, c := range candidates {
		out[i] = c.ref
	}
	return out
}

// recordTime exists so tests can stub the wall clock if ever needed;
// production always uses time.Now.
var recordTime = time.Now

// RecordUsed marks usedURL as actually requested by the page, for a
// previous prediction under pageURL's origin.
func (p *Predictor) RecordUsed(pageURL, usedURL string) {
	p.ringFor(originOf(pageURL)).markUsed(usedURL)
}

// RecordUnused marks a prior prediction for pageURL's origin as
// evaluated but never requested by the page (e.g. at page unload), so
// the recent-window accuracy reflects misses as well as hits.
func (p *Predictor) RecordUnused(pageURL, predictedURL string) {
	p.ringFor(originOf(pageURL)).markUnevaluated(predictedURL)
}

// Accuracy returns overall and recent-window accuracy plus the total
// prediction count for pageURL's origin. shouldResetAdaptive reports
// whether overall accuracy is below 0.3 over more than 50 predictions;
// nothing in this package acts on it.
func (p *Predictor) Accuracy(pageURL string) (overall, recent float64, total int, shouldResetAdaptive bool) {
	overall, recent, total = p.ringFor(originOf(pageURL)).accuracy()
	shouldResetAdaptive = total > 50 && overall < 0.3
	return
}
