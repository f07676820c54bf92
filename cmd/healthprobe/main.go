// healthprobe is a tiny liveness client for container healthchecks: it
// polls the daemon's /healthz and exits non-zero when the daemon is down.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7171", "daemon admin address")
	timeout := flag.Duration("timeout", 2*time.Second, "request timeout")
	flag.Parse()

	c := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("http://" + *addr + "/healthz")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.DoTimeout(req, res, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	if res.StatusCode() != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "probe failed: status %d\n", res.StatusCode())
		os.Exit(1)
	}
	fmt.Println("ok")
}
