package view

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRendersPages(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	for _, page := range []string{"pages/login.html", "pages/signup.html", "pages/home.html"} {
		w := httptest.NewRecorder()
		err := engine.Render(w, page, TemplateData{
			Title:    "MLflow",
			Username: "alice",
			Data:     map[string]any{"Form": map[string]string{"Username": ""}, "Errors": map[string]string{}, "Next": "/"},
		})
		require.NoError(t, err, page)
		assert.Contains(t, w.Body.String(), "<html", page)
	}
}

func TestNilEngineRefusesToRender(t *testing.T) {
	var e *Engine
	err := e.Render(httptest.NewRecorder(), "pages/login.html", TemplateData{})
	assert.Error(t, err)
}
