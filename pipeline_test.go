package muxplugin_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueOwlOpenSource/muxplugin"
)

type fakeHostMiddleware struct {
	request  []muxplugin.RequestMiddlewareFunc
	response []muxplugin.ResponseMiddlewareFunc
}

func (f *fakeHostMiddleware) RequestMiddleware() []muxplugin.RequestMiddlewareFunc {
	return f.request
}

func (f *fakeHostMiddleware) ResponseMiddleware() []muxplugin.ResponseMiddlewareFunc {
	return f.response
}

type callLog struct {
	calls []string
}

func (l *callLog) request(name string) muxplugin.RequestMiddlewareFunc {
	return func(*http.Request) (*muxplugin.Response, error) {
		l.calls = append(l.calls, name)
		return nil, nil
	}
}

func (l *callLog) response(name string) muxplugin.ResponseMiddlewareFunc {
	return func(*http.Request, *muxplugin.Response) (*muxplugin.Response, error) {
		l.calls = append(l.calls, name)
		return nil, nil
	}
}

func (l *callLog) cleanup(name string) muxplugin.CleanupFunc {
	return func(*http.Request) error {
		l.calls = append(l.calls, name)
		return nil
	}
}

func entryNames(entries []muxplugin.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func TestPipelineOrdering(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 5, muxplugin.RelativeDefault, "M2", log.request("M2")))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 2, muxplugin.RelativeDefault, "M1", log.request("M1")))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 5, muxplugin.RelativeDefault, "M3", log.request("M3")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 3, muxplugin.RelativeDefault, "R1", log.response("R1")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 7, muxplugin.RelativeDefault, "R2", log.response("R2")))
	require.NoError(t, p.Freeze())

	if diff := cmp.Diff([]string{"M1", "M2", "M3"}, entryNames(p.Entries(muxplugin.QueuePreRequest))); diff != "" {
		t.Errorf("pre-request order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"R2", "R1"}, entryNames(p.Entries(muxplugin.QueuePostResponse))); diff != "" {
		t.Errorf("post-response order (-want +got):\n%s", diff)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := p.RunRequestPhase(req)
	require.NoError(t, err)
	assert.Nil(t, resp)
	_, err = p.RunResponsePhase(req, muxplugin.TextResponse(200, "ok"))
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"M1", "M2", "M3", "R2", "R1"}, log.calls); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestPipelineTiesKeepInsertionOrder(t *testing.T) {
	t.Parallel()
	p := muxplugin.NewPipeline(nil, testr.New(t))
	log := &callLog{}
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Insert(muxplugin.PhaseResponse, 4, muxplugin.Pre, name, log.response(name)))
		require.NoError(t, p.Insert(muxplugin.PhaseCleanup, 4, muxplugin.RelativeDefault, name, log.cleanup(name)))
	}
	require.NoError(t, p.Freeze())
	assert.Equal(t, []string{"a", "b", "c", "d"}, entryNames(p.Entries(muxplugin.QueuePreResponse)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, entryNames(p.Entries(muxplugin.QueueCleanup)))
	assert.Equal(t, 8, p.Len())
}

func TestPipelineFreezeOnce(t *testing.T) {
	t.Parallel()
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Freeze())
	assert.True(t, p.Frozen())

	err := p.Freeze()
	assert.ErrorIs(t, err, muxplugin.ErrAlreadyFrozen)
	assert.True(t, muxplugin.IsConfiguration(err))

	err = p.Insert(muxplugin.PhaseRequest, 1, muxplugin.RelativeDefault, "late", (&callLog{}).request("late"))
	assert.ErrorIs(t, err, muxplugin.ErrRunning)
}

func TestPipelineRunBeforeFreeze(t *testing.T) {
	t.Parallel()
	p := muxplugin.NewPipeline(nil, testr.New(t))
	_, err := p.RunRequestPhase(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, muxplugin.ErrNotRunning)
}

func TestPipelineInsertValidation(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	cases := []struct {
		name     string
		phase    muxplugin.Phase
		priority int
		relative muxplugin.Relative
		fn       interface{}
		want     error
	}{
		{"priority too low", muxplugin.PhaseRequest, -1, muxplugin.RelativeDefault, log.request("x"), muxplugin.ErrInvalidPriority},
		{"priority too high", muxplugin.PhaseRequest, 10, muxplugin.RelativeDefault, log.request("x"), muxplugin.ErrInvalidPriority},
		{"cleanup with relative", muxplugin.PhaseCleanup, 5, muxplugin.Pre, log.cleanup("x"), muxplugin.ErrInvalidRelative},
		{"unknown relative", muxplugin.PhaseRequest, 5, muxplugin.Relative(42), log.request("x"), muxplugin.ErrInvalidRelative},
		{"unknown phase", muxplugin.Phase(9), 5, muxplugin.RelativeDefault, log.request("x"), muxplugin.ErrInvalidPhase},
		{"wrong func type", muxplugin.PhaseResponse, 5, muxplugin.RelativeDefault, log.request("x"), muxplugin.ErrInvalidHandler},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p := muxplugin.NewPipeline(nil, testr.New(t))
			err := p.Insert(tc.phase, tc.priority, tc.relative, "x", tc.fn)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, muxplugin.IsConfiguration(err))
		})
	}
}

func TestPipelineHostMiddlewareBetweenPreAndPost(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	host := &fakeHostMiddleware{
		request:  []muxplugin.RequestMiddlewareFunc{log.request("host-req")},
		response: []muxplugin.ResponseMiddlewareFunc{log.response("host-resp")},
	}
	p := muxplugin.NewPipeline(host, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 9, muxplugin.Pre, "pre-req", log.request("pre-req")))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 0, muxplugin.Post, "post-req", log.request("post-req")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 0, muxplugin.Pre, "pre-resp", log.response("pre-resp")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 9, muxplugin.Post, "post-resp", log.response("post-resp")))
	require.NoError(t, p.Freeze())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := p.RunRequestPhase(req)
	require.NoError(t, err)
	_, err = p.RunResponsePhase(req, muxplugin.TextResponse(200, ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"pre-req", "host-req", "post-req", "pre-resp", "host-resp", "post-resp"}, log.calls)
}

func TestPipelineRequestShortCircuit(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 1, muxplugin.RelativeDefault, "first", log.request("first")))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 2, muxplugin.RelativeDefault, "answer",
		muxplugin.RequestMiddlewareFunc(func(*http.Request) (*muxplugin.Response, error) {
			log.calls = append(log.calls, "answer")
			return muxplugin.TextResponse(http.StatusTeapot, "short"), nil
		})))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 3, muxplugin.Post, "never", log.request("never")))
	require.NoError(t, p.Freeze())

	resp, err := p.RunRequestPhase(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, []string{"first", "answer"}, log.calls)
}

func TestPipelineResponseReplacementEndsGroup(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	replace := func(name, body string) muxplugin.ResponseMiddlewareFunc {
		return func(*http.Request, *muxplugin.Response) (*muxplugin.Response, error) {
			log.calls = append(log.calls, name)
			return muxplugin.TextResponse(200, body), nil
		}
	}
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 9, muxplugin.Pre, "pre-a", replace("pre-a", "a")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 1, muxplugin.Pre, "pre-b", log.response("pre-b")))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 5, muxplugin.Post, "post-c", replace("post-c", "c")))
	require.NoError(t, p.Freeze())

	resp, err := p.RunResponsePhase(httptest.NewRequest(http.MethodGet, "/", nil), muxplugin.TextResponse(200, "orig"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(resp.Body))
	assert.Equal(t, []string{"pre-a", "post-c"}, log.calls)
}

func TestPipelineErrorsPropagate(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 5, muxplugin.RelativeDefault, "fail",
		muxplugin.RequestMiddlewareFunc(func(*http.Request) (*muxplugin.Response, error) { return nil, boom })))
	require.NoError(t, p.Insert(muxplugin.PhaseResponse, 5, muxplugin.RelativeDefault, "fail",
		muxplugin.ResponseMiddlewareFunc(func(*http.Request, *muxplugin.Response) (*muxplugin.Response, error) { return nil, boom })))
	require.NoError(t, p.Freeze())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := p.RunRequestPhase(req)
	assert.ErrorIs(t, err, boom)
	_, err = p.RunResponsePhase(req, muxplugin.TextResponse(200, ""))
	assert.ErrorIs(t, err, boom)
}

func TestPipelineCleanupIsBestEffort(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	boom := errors.New("boom")
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseCleanup, 1, muxplugin.RelativeDefault, "fails",
		muxplugin.CleanupFunc(func(*http.Request) error {
			log.calls = append(log.calls, "fails")
			return boom
		})))
	require.NoError(t, p.Insert(muxplugin.PhaseCleanup, 2, muxplugin.RelativeDefault, "panics",
		muxplugin.CleanupFunc(func(*http.Request) error {
			log.calls = append(log.calls, "panics")
			panic("cleanup panic")
		})))
	require.NoError(t, p.Insert(muxplugin.PhaseCleanup, 3, muxplugin.RelativeDefault, "last", log.cleanup("last")))
	require.NoError(t, p.Freeze())

	err := p.RunCleanupPhase(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "cleanup panic")
	assert.Equal(t, []string{"fails", "panics", "last"}, log.calls)
}

func TestPipelineStopsOnCancellation(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	p := muxplugin.NewPipeline(nil, testr.New(t))
	require.NoError(t, p.Insert(muxplugin.PhaseRequest, 5, muxplugin.RelativeDefault, "m", log.request("m")))
	require.NoError(t, p.Insert(muxplugin.PhaseCleanup, 5, muxplugin.RelativeDefault, "c", log.cleanup("c")))
	require.NoError(t, p.Freeze())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	_, err := p.RunRequestPhase(req)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, p.RunCleanupPhase(req))
	assert.Equal(t, []string{"c"}, log.calls, "cleanup ignores cancellation")
}

func TestParsePhase(t *testing.T) {
	t.Parallel()
	for _, ph := range []muxplugin.Phase{muxplugin.PhaseRequest, muxplugin.PhaseResponse, muxplugin.PhaseCleanup} {
		got, err := muxplugin.ParsePhase(ph.String())
		require.NoError(t, err)
		assert.Equal(t, ph, got)
	}
	_, err := muxplugin.ParsePhase("teardown")
	assert.ErrorIs(t, err, muxplugin.ErrInvalidPhase)
}
