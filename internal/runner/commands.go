package runner

import "strings"

// Commands matching these substrings start servers and never exit on their
// own.
var longRunningPatterns = []string{
	"npm run dev",
	"npm start",
	"yarn dev",
	"yarn start",
	"pnpm dev",
	"pnpm start",
	"vite",
	"next dev",
	"serve",
	"http-server",
	"live-server",
	"webpack serve",
	"ng serve",
	"vue serve",
}

// Output containing any of these means a server finished booting.
var startupIndicators = []string{
	"local:",
	"ready in",
	"ready on",
	"listening on",
	"server running",
	"compiled successfully",
	"build completed",
	"dev server running",
	"development server",
	"server started",
	"available on:",
	"localhost:",
	"http://",
	"https://",
}

// IsLongRunning reports whether command launches a server process.
func IsLongRunning(command string) bool {
	return containsAny(strings.ToLower(command), longRunningPatterns)
}

// HasStartupIndicator reports whether output signals that a server is up.
func HasStartupIndicator(output string) bool {
	return containsAny(strings.ToLower(output), startupIndicators)
}

// isFalsePositive filters curl progress meters, which look like failures but
// carry no information.
func isFalsePositive(command, stdout string) bool {
	return strings.Contains(command, "curl") &&
		strings.Contains(stdout, "% Total") &&
		strings.Contains(stdout, "0 --:--:--")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
