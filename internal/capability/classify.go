package capability

import "strings"

// shellCommands are leading words that indicate a step is a command to run
// rather than a question to answer.
var shellCommands = []string{
	"apt", "apt-get", "bash", "cat", "cd", "chmod", "cp", "curl", "echo",
	"find", "git", "go", "grep", "ls", "make", "mkdir", "mv", "npm", "pip",
	"pip3", "python", "python3", "rm", "sed", "sh", "tar", "touch", "wget",
}

// Classify names the capability for a step with no tool hint. Descriptions
// that start with a shell command go to the terminal; everything else is
// answered by model inference.
func Classify(description string) string {
	d := strings.ToLower(strings.TrimSpace(description))
	first, _, _ := strings.Cut(d, " ")
	for _, cmd := range shellCommands {
		if first == cmd {
			return TerminalName
		}
	}
	if strings.Contains(d, "run the command") || strings.Contains(d, "execute the command") {
		return TerminalName
	}
	return ModelName
}
