package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univy/docpipe/internal/task"
)

func TestTaskByID(t *testing.T) {
	t.Parallel()

	finished := time.Now()
	tk := &task.Task{
		ID:         uuid.New(),
		Kind:       task.KindParse,
		Status:     task.StatusFailed,
		InputRef:   "/data/uploads/broken.pdf",
		Failure:    &task.Failure{Kind: task.FailCorrupt, Message: "damaged xref table"},
		CreatedAt:  time.Now().Add(-time.Minute),
		FinishedAt: &finished,
	}
	h := newHandler(t, &fakeGateway{statusTask: tk})

	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+tk.ID.String(), nil))

	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure, "terminal tasks carry their error payload")
	assert.Equal(t, task.FailCorrupt, got.Failure.Kind)
	assert.Equal(t, "damaged xref table", got.Failure.Message)
}

func TestTaskByIDNotFound(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &fakeGateway{statusErr: task.ErrNotFound})
	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "task_not_found")
}

func TestTaskByIDBadUUID(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &fakeGateway{})
	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad_task_id")
}

func TestTaskByIDStoreFault(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &fakeGateway{statusErr: errors.New("connection refused")})
	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused", "internal details stay internal")
}

func TestTaskListPassesFilter(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{listTasks: []*task.Task{
		{ID: uuid.New(), Kind: task.KindParse, Status: task.StatusFailed},
	}}
	h := newHandler(t, gw)

	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=failed&kind=parse&limit=10", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.Filter{Status: task.StatusFailed, Kind: task.KindParse, Limit: 10}, gw.gotFilter)

	var res struct {
		Tasks []*task.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Tasks, 1)
}

func TestTaskListEmpty(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &fakeGateway{})
	w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tasks":[]`, "empty list, not null")
}

func TestTaskListRejectsBadFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{"unknown status", "?status=exploded"},
		{"unknown kind", "?kind=transmogrify"},
		{"non-numeric limit", "?limit=soon"},
		{"zero limit", "?limit=0"},
		{"negative limit", "?limit=-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHandler(t, &fakeGateway{})
			w := doRequest(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks"+tt.query, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "bad_filter")
		})
	}
}
