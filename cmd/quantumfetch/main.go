// Command quantumfetch drives the client facade end to end: fetch one
// URL over this module's HTTP/3 stack and print status, timing, and
// cache-hit information, mirroring the distribution-distribution and
// grafana-k6 CLI convention of a spf13/cobra command tree.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/menchan-Rub/quantum/client"
	"github.com/menchan-Rub/quantum/internal/utils"
)

var (
	flagTimeout    time.Duration
	flagNoCache    bool
	flagNoRedirect bool
	flagShowStats  bool
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "quantumfetch [url]",
		Short: "Fetch a URL over the quantum HTTP/3 client core",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	root.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "per-request timeout")
	root.Flags().BoolVar(&flagNoCache, "no-cache", false, "disable the response cache")
	root.Flags().BoolVar(&flagNoRedirect, "no-redirect", false, "don't follow redirects")
	root.Flags().BoolVar(&flagShowStats, "stats", false, "print per-domain stats after the fetch")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		utils.SetLogLevel(utils.LogLevelDebug)
	}

	opts := client.DefaultOptions()
	opts.CacheEnabled = !flagNoCache
	opts.FollowRedirects = !flagNoRedirect
	opts.DefaultTimeout = flagTimeout

	c := client.New(opts, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout+5*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := c.Fetch(ctx, client.Request{
		Method:        "GET",
		URL:           args[0],
		CacheEligible: true,
	})
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("fetch failed after %s: %w", elapsed, err)
	}

	cacheTag := "miss"
	if resp.FromCache {
		cacheTag = "hit"
	}
	earlyTag := ""
	if resp.UsedEarlyData {
		earlyTag = " (0-RTT)"
	}
	fmt.Printf("%d in %s [cache %s]%s\n", resp.Status, elapsed, cacheTag, earlyTag)
	fmt.Printf("%d bytes\n", len(resp.Body))

	if flagShowStats {
		s := c.Stats()
		for _, d := range s.Domains {
			fmt.Printf("  %-30s quality=%.2f ttfb=%.0fms reqs=%d/%d\n",
				d.Host, d.ConnectionQuality, d.AvgTTFBMillis, d.SuccessCount, d.RequestCount)
		}
		fmt.Printf("  cache: %d entries, %d bytes\n", s.CacheEntries, s.CacheBytes)
	}
	return nil
}
