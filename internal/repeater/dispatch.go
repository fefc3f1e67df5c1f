package repeater

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/inferfleet/clusterctl/internal/errs"
)

func newRequest(ctx context.Context, route Route, target Target) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.url(route.Path), bytes.NewReader(route.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range route.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// singleNodeDispatch implements SingleNodeHandler(req,id) from spec.md
// §4.10: open/reuse a connection to the worker, POST the forwarded body,
// forward every chunk back to the client as it arrives. Returns nil once
// the worker closes its side cleanly; a non-nil error always carries a
// *dispatchError so the caller can classify it for ExceptionMonitor.
func singleNodeDispatch(ctx context.Context, client *http.Client, route Route, target Target, out io.Writer) error {
	req, err := newRequest(ctx, route, target)
	if err != nil {
		return dispatchErr(errs.ConnPErr, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return dispatchErr(errs.UserDisConn, err)
		}
		return dispatchErr(errs.ConnPErr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dispatchErr(errs.SendPErr, httpStatusError(resp.StatusCode))
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		if ctx.Err() != nil {
			return dispatchErr(errs.UserDisConn, err)
		}
		return dispatchErr(errs.DecodeDisConn, err)
	}
	return nil
}

// pdDispatch implements PDRouteHandler(req,pId,dId) from spec.md §4.10:
// POST to P first; concurrently open a link to D and issue the
// prepare-to-stream call. P's response is the authoritative
// tokenization/prefill result and is drained, not relayed; once P succeeds
// and D begins streaming, D's bytes are spliced to the client.
func pdDispatch(ctx context.Context, pClient, dClient *http.Client, route Route, p, d Target, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pErrCh := make(chan error, 1)
	go func() {
		pErrCh <- prefillRoundTrip(ctx, pClient, route, p)
	}()

	dReadyCh := make(chan *http.Response, 1)
	dErrCh := make(chan error, 1)
	go func() {
		resp, err := prepareToStream(ctx, dClient, route, d)
		if err != nil {
			dErrCh <- err
			return
		}
		dReadyCh <- resp
	}()

	if err := <-pErrCh; err != nil {
		return err
	}

	select {
	case err := <-dErrCh:
		return err
	case resp := <-dReadyCh:
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return dispatchErr(errs.SendMixErr, httpStatusError(resp.StatusCode))
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			if ctx.Err() != nil {
				return dispatchErr(errs.UserDisConn, err)
			}
			return dispatchErr(errs.DecodeDisConn, err)
		}
		return nil
	case <-ctx.Done():
		return dispatchErr(errs.UserDisConn, ctx.Err())
	}
}

func prefillRoundTrip(ctx context.Context, client *http.Client, route Route, p Target) error {
	req, err := newRequest(ctx, route, p)
	if err != nil {
		return dispatchErr(errs.ConnPErr, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return dispatchErr(errs.ConnPErr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return dispatchErr(errs.SendPErr, httpStatusError(resp.StatusCode))
	}
	return nil
}

func prepareToStream(ctx context.Context, client *http.Client, route Route, d Target) (*http.Response, error) {
	req, err := newRequest(ctx, route, d)
	if err != nil {
		return nil, dispatchErr(errs.ConnDErr, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, dispatchErr(errs.ConnDErr, err)
	}
	return resp, nil
}

type httpStatusErr struct{ code int }

func httpStatusError(code int) error { return &httpStatusErr{code: code} }
func (e *httpStatusErr) Error() string {
	return "worker responded with status " + http.StatusText(e.code)
}
