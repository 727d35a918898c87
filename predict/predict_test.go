package predict_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/predict"
	"github.com/menchan-Rub/quantum/scheduler"
)

const samplePage = `
<html>
<head>
<base href="https://example.test/pages/">
<link rel="stylesheet" href="s.css">
<link rel="dns-prefetch" href="//cdn.example.test">
<script src="app.js"></script>
<script>fetch("/api/bootstrap");</script>
</head>
<body>
<img src="i.png" srcset="i-400.png 400w, i-800.png 800w, i-1600.png 1600w">
<iframe src="https://ads.example.test/frame"></iframe>
</body>
</html>`

func TestExtractHTMLReferencesResolvesAgainstBaseTag(t *testing.T) {
	refs := predict.ExtractHTMLReferences([]byte(samplePage), "https://example.test/index.html", 800)

	byURL := make(map[string]predict.Reference)
	for _, r := range refs {
		byURL[r.URL] = r
	}

	require.Contains(t, byURL, "https://example.test/pages/s.css")
	require.Equal(t, scheduler.ResourceStylesheet, byURL["https://example.test/pages/s.css"].Type)

	require.Contains(t, byURL, "https://example.test/pages/app.js")
	require.Equal(t, scheduler.ResourceScript, byURL["https://example.test/pages/app.js"].Type)

	require.Contains(t, byURL, "https://example.test/api/bootstrap", "inline script bodies are scanned too")
	require.Equal(t, scheduler.ResourceFetch, byURL["https://example.test/api/bootstrap"].Type)

	require.Contains(t, byURL, "https://ads.example.test/frame")
}

func TestExtractHTMLReferencesDNSPrefetchIsNotAFetchCandidate(t *testing.T) {
	refs := predict.ExtractHTMLReferences([]byte(samplePage), "https://example.test/index.html", 800)
	for _, r := range refs {
		if r.DNSPrefetchOnly {
			require.Contains(t, r.URL, "cdn.example.test")
			return
		}
	}
	t.Fatal("expected a dns-prefetch-only reference")
}

func TestSrcsetSelectsSmallestCandidateAboveThreshold(t *testing.T) {
	// viewport 800 * 1.5 = 1200; 1600w is the only candidate at or above it.
	refs := predict.ExtractHTMLReferences([]byte(samplePage), "https://example.test/index.html", 800)
	for _, r := range refs {
		if r.Type == scheduler.ResourceImage && r.URL != "" {
			require.Equal(t, "https://example.test/pages/i-1600.png", r.URL)
			return
		}
	}
	t.Fatal("expected an image reference from srcset")
}

func TestExtractCSSReferences(t *testing.T) {
	css := `@import url("fonts.css"); .logo { background: url(/img/logo.png); } @font-face { src: url("/fonts/a.woff2"); }`
	refs := predict.ExtractCSSReferences([]byte(css), "https://example.test/style/")
	require.Len(t, refs, 3)
	var sawFont, sawImport bool
	for _, r := range refs {
		if r.Type == scheduler.ResourceFont {
			sawFont = true
		}
		if r.URL == "https://example.test/style/fonts.css" {
			sawImport = true
		}
	}
	require.True(t, sawFont)
	require.True(t, sawImport)
}

func TestExtractJSReferences(t *testing.T) {
	js := `
import x from "./mod.js";
const y = import("./lazy.js");
fetch("/api/data");
const xhr = new XMLHttpRequest(); xhr.open("GET", "/api/v2");
const ws = new WebSocket("wss://example.test/socket");
navigator.serviceWorker.register("/sw.js");
`
	refs := predict.ExtractJSReferences([]byte(js), "https://example.test/app/")
	urls := make(map[string]bool)
	for _, r := range refs {
		urls[r.URL] = true
	}
	require.True(t, urls["https://example.test/app/mod.js"])
	require.True(t, urls["https://example.test/app/lazy.js"])
	require.True(t, urls["https://example.test/api/data"])
	require.True(t, urls["https://example.test/api/v2"])
	require.True(t, urls["wss://example.test/socket"])
	require.True(t, urls["https://example.test/sw.js"])
}

func TestPredictorTopKAndDedup(t *testing.T) {
	cached := map[string]bool{"https://example.test/pages/s.css": true}
	p := predict.New(predict.Basic{}, func(url string) bool { return cached[url] })

	refs := predict.ExtractHTMLReferences([]byte(samplePage), "https://example.test/index.html", 800)
	top := p.Predict("https://example.test/index.html", refs, 2)

	require.LessOrEqual(t, len(top), 2)
	for _, r := range top {
		require.NotEqual(t, "https://example.test/pages/s.css", r.URL, "already-cached URL must be deduplicated")
		require.False(t, r.DNSPrefetchOnly, "dns-prefetch references are never prefetch candidates")
	}
}

func TestPredictorAccuracyBookkeeping(t *testing.T) {
	p := predict.New(predict.Basic{}, nil)
	refs := []predict.Reference{
		{URL: "https://example.test/a.js", Type: scheduler.ResourceScript, Weight: 0.8},
		{URL: "https://example.test/b.js", Type: scheduler.ResourceScript, Weight: 0.8},
	}
	p.Predict("https://example.test/", refs, 5)

	overallBefore, _, total, _ := p.Accuracy("https://example.test/")
	require.Equal(t, 2, total)
	require.Equal(t, 0.0, overallBefore)

	p.RecordUsed("https://example.test/", "https://example.test/a.js")
	overallAfter, _, total, _ := p.Accuracy("https://example.test/")
	require.Equal(t, 2, total)
	require.InDelta(t, 0.5, overallAfter, 0.001)
}
