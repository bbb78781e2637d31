package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLongRunning(t *testing.T) {
	for _, cmd := range []string{"npm run dev", "NPM START", "cd app && pnpm dev", "npx vite", "next dev -p 3001", "npx http-server ."} {
		assert.True(t, IsLongRunning(cmd), cmd)
	}
	for _, cmd := range []string{"npm install", "node app.js", "ls -la"} {
		assert.False(t, IsLongRunning(cmd), cmd)
	}
}

func TestHasStartupIndicator(t *testing.T) {
	assert.True(t, HasStartupIndicator("  Local:   http://localhost:5173"))
	assert.True(t, HasStartupIndicator("Compiled successfully!"))
	assert.True(t, HasStartupIndicator("Server started on port 8080"))
	assert.False(t, HasStartupIndicator("installing dependencies"))
}

func TestIsFalsePositive(t *testing.T) {
	assert.True(t, isFalsePositive("curl -s x", "% Total  100 0 --:--:--"))
	assert.False(t, isFalsePositive("wget x", "% Total  100 0 --:--:--"))
	assert.False(t, isFalsePositive("curl x", "hello"))
}
