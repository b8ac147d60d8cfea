package docker

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
)

// =============================================================================
// Build Stream Decoding
// =============================================================================

var (
	stepLine  = regexp.MustCompile(`^Step (\d+)/(\d+) : (.*)$`)
	layerLine = regexp.MustCompile(`^ ---> ([0-9a-f]{12,64})$`)
	builtLine = regexp.MustCompile(`^Successfully built ([0-9a-f]+)$`)
)

const usingCache = " ---> Using cache"

// DecodeBuildStream reads the daemon's JSON message stream for a build and
// reports progress through onEvent. It returns the produced image ID.
//
// A message carrying an error ends the build: the error event is emitted and
// an error wrapping ErrBuildFailed is returned with the daemon's message.
func DecodeBuildStream(r io.Reader, onEvent func(BuildEvent)) (string, error) {
	if onEvent == nil {
		onEvent = func(BuildEvent) {}
	}

	dec := json.NewDecoder(r)
	step, total := -1, 0
	instruction := ""
	imageID := ""

	emit := func(kind BuildEventKind, text string) {
		onEvent(BuildEvent{Kind: kind, Step: step, Total: total, Instruction: instruction, Text: text})
	}

	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", NewDockerError("BuildImage", "image", "", "decode build output: "+err.Error(), err)
		}

		if msg.Error != nil {
			emit(BuildEventError, msg.Error.Message)
			return "", NewDockerError("BuildImage", "image", "", msg.Error.Message, ErrBuildFailed)
		}

		if msg.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
				emit(BuildEventImage, aux.ID)
			}
			continue
		}

		if msg.Status != "" && msg.Progress == nil {
			text := msg.Status
			if msg.ID != "" {
				text = msg.ID + ": " + text
			}
			emit(BuildEventOutput, text)
			continue
		}

		for _, line := range strings.Split(msg.Stream, "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}

			if m := stepLine.FindStringSubmatch(line); m != nil {
				n, _ := strconv.Atoi(m[1])
				total, _ = strconv.Atoi(m[2])
				step = n - 1
				instruction = m[3]
				emit(BuildEventStep, instruction)
				continue
			}
			if line == usingCache {
				emit(BuildEventCached, "")
				continue
			}
			if m := layerLine.FindStringSubmatch(line); m != nil {
				emit(BuildEventLayer, m[1])
				continue
			}
			if m := builtLine.FindStringSubmatch(line); m != nil {
				if imageID == "" {
					imageID = m[1]
				}
				continue
			}
			emit(BuildEventOutput, line)
		}
	}

	if imageID == "" {
		return "", NewDockerError("BuildImage", "image", "", "stream ended without an image ID", ErrNoImageID)
	}
	return imageID, nil
}
