// Command read_file is an example ARIA tool plugin: it reads the file
// named in its "path" argument and returns its contents. It speaks the
// sandbox's stdin/stdout JSON contract directly, with no framework code,
// to demonstrate exactly what the sandbox expects from a plugin.
package main

import (
	"encoding/json"
	"os"
)

type request struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type response struct {
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func main() {
	var req request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeError("could not decode request: " + err.Error())
		return
	}

	path, ok := req.Args["path"].(string)
	if !ok {
		writeError("missing or non-string \"path\" argument")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		writeError("could not read file: " + err.Error())
		return
	}

	writeOutput(map[string]any{"content": string(data)})
}

func writeOutput(output map[string]any) {
	json.NewEncoder(os.Stdout).Encode(response{Output: output})
}

func writeError(msg string) {
	json.NewEncoder(os.Stdout).Encode(response{Error: msg})
}
