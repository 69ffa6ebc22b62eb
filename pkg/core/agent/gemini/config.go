// Package gemini runs tutoring sessions on the Gemini Live API.
package gemini

import (
	"errors"
	"strings"
)

const (
	DefaultModel           = "gemini-2.0-flash-live-001"
	DefaultVoice           = "Aoede"
	DefaultInputSampleRate = 16000
	DefaultLocation        = "us-central1"
)

const DefaultSystemInstruction = `You are an AI homework tutor helping a student with their pen-and-paper homework through voice conversation.

When the student asks for help:
1. Acknowledge the request warmly.
2. Call the capture_image tool to see their current work before giving specific guidance.
3. Based on what you see, guide them step by step without simply giving away the answer.
4. Encourage the student and adapt to their level.

Be patient, break problems into small steps, ask clarifying questions, and explain the "why" behind each step. Take a new picture whenever the student says they made progress or asks you to check their work. If a picture cannot be taken, tell the student briefly and continue helping by voice.`

type Config struct {
	APIKey string
	Model  string
	Voice  string

	// Vertex selects the Vertex AI backend instead of the Gemini API.
	Vertex   bool
	Project  string
	Location string

	SystemInstruction string
	InputSampleRate   int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if c.Vertex && c.Location == "" {
		c.Location = DefaultLocation
	}
	if strings.TrimSpace(c.SystemInstruction) == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	return c
}

func (c Config) validate() error {
	if c.Vertex {
		if c.Project == "" {
			return errors.New("gemini: vertex backend requires a project")
		}
		return nil
	}
	if c.APIKey == "" {
		return errors.New("gemini: api key is required")
	}
	return nil
}
