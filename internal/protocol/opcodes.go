// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package protocol

import "fmt"

// Opcode identifies a command.
type Opcode uint32

// Common commands understood by every service regardless of API.
const (
	OpNoop Opcode = iota
	OpSetToken
	OpSetBucketSize
	OpSetBucketData
	OpSetBucketDataImmediate
	OpGetBucketStart
	OpGetBucketData

	numCommonOpcodes
)

// FirstAPIOpcode is the first opcode owned by the GPU API decoder.
const FirstAPIOpcode Opcode = 256

// GPU API commands.
const (
	OpGenBuffersImmediate Opcode = FirstAPIOpcode + iota
	OpDeleteBuffersImmediate
	OpBindBuffer
	OpBufferData
	OpBufferSubData
	OpGenTexturesImmediate
	OpDeleteTexturesImmediate
	OpBindTexture
	OpTexImage2D
	OpTexSubImage2D
	OpAsyncTexSubImage2D
	OpGenFramebuffersImmediate
	OpDeleteFramebuffersImmediate
	OpBindFramebuffer
	OpGenRenderbuffersImmediate
	OpDeleteRenderbuffersImmediate
	OpBindRenderbuffer
	OpRenderbufferStorage
	OpFramebufferRenderbuffer
	OpGenVertexArraysImmediate
	OpDeleteVertexArraysImmediate
	OpBindVertexArray
	OpCreateShader
	OpShaderSourceBucket
	OpCompileShader
	OpGetShaderiv
	OpGetShaderInfoLog
	OpDeleteShader
	OpCreateProgram
	OpAttachShader
	OpLinkProgram
	OpUseProgram
	OpDeleteProgram
	OpGenQueriesImmediate
	OpDeleteQueriesImmediate
	OpBeginQuery
	OpEndQuery
	OpEnableVertexAttribArray
	OpVertexAttribPointer
	OpDrawArrays
	OpGetError
	OpWaitAsyncUploads
)

// CommandInfo describes the fixed layout of an opcode.
type CommandInfo struct {
	// Name is the command name used in logs.
	Name string

	// Args is the number of fixed argument words after the header.
	Args uint32

	// Immediate commands carry variable data words after the fixed arguments.
	Immediate bool
}

var commandInfo = map[Opcode]CommandInfo{
	OpNoop:                   {"Noop", 0, true},
	OpSetToken:               {"SetToken", 1, false},
	OpSetBucketSize:          {"SetBucketSize", 2, false},
	OpSetBucketData:          {"SetBucketData", 5, false},
	OpSetBucketDataImmediate: {"SetBucketDataImmediate", 3, true},
	OpGetBucketStart:         {"GetBucketStart", 6, false},
	OpGetBucketData:          {"GetBucketData", 5, false},

	OpGenBuffersImmediate:          {"GenBuffersImmediate", 1, true},
	OpDeleteBuffersImmediate:       {"DeleteBuffersImmediate", 1, true},
	OpBindBuffer:                   {"BindBuffer", 2, false},
	OpBufferData:                   {"BufferData", 5, false},
	OpBufferSubData:                {"BufferSubData", 5, false},
	OpGenTexturesImmediate:         {"GenTexturesImmediate", 1, true},
	OpDeleteTexturesImmediate:      {"DeleteTexturesImmediate", 1, true},
	OpBindTexture:                  {"BindTexture", 2, false},
	OpTexImage2D:                   {"TexImage2D", 7, false},
	OpTexSubImage2D:                {"TexSubImage2D", 9, false},
	OpAsyncTexSubImage2D:           {"AsyncTexSubImage2D", 12, false},
	OpGenFramebuffersImmediate:     {"GenFramebuffersImmediate", 1, true},
	OpDeleteFramebuffersImmediate:  {"DeleteFramebuffersImmediate", 1, true},
	OpBindFramebuffer:              {"BindFramebuffer", 2, false},
	OpGenRenderbuffersImmediate:    {"GenRenderbuffersImmediate", 1, true},
	OpDeleteRenderbuffersImmediate: {"DeleteRenderbuffersImmediate", 1, true},
	OpBindRenderbuffer:             {"BindRenderbuffer", 2, false},
	OpRenderbufferStorage:          {"RenderbufferStorage", 4, false},
	OpFramebufferRenderbuffer:      {"FramebufferRenderbuffer", 4, false},
	OpGenVertexArraysImmediate:     {"GenVertexArraysImmediate", 1, true},
	OpDeleteVertexArraysImmediate:  {"DeleteVertexArraysImmediate", 1, true},
	OpBindVertexArray:              {"BindVertexArray", 1, false},
	OpCreateShader:                 {"CreateShader", 2, false},
	OpShaderSourceBucket:           {"ShaderSourceBucket", 2, false},
	OpCompileShader:                {"CompileShader", 1, false},
	OpGetShaderiv:                  {"GetShaderiv", 4, false},
	OpGetShaderInfoLog:             {"GetShaderInfoLog", 2, false},
	OpDeleteShader:                 {"DeleteShader", 1, false},
	OpCreateProgram:                {"CreateProgram", 1, false},
	OpAttachShader:                 {"AttachShader", 2, false},
	OpLinkProgram:                  {"LinkProgram", 1, false},
	OpUseProgram:                   {"UseProgram", 1, false},
	OpDeleteProgram:                {"DeleteProgram", 1, false},
	OpGenQueriesImmediate:          {"GenQueriesImmediate", 1, true},
	OpDeleteQueriesImmediate:       {"DeleteQueriesImmediate", 1, true},
	OpBeginQuery:                   {"BeginQuery", 5, false},
	OpEndQuery:                     {"EndQuery", 2, false},
	OpEnableVertexAttribArray:      {"EnableVertexAttribArray", 1, false},
	OpVertexAttribPointer:          {"VertexAttribPointer", 6, false},
	OpDrawArrays:                   {"DrawArrays", 3, false},
	OpGetError:                     {"GetError", 2, false},
	OpWaitAsyncUploads:             {"WaitAsyncUploads", 0, false},
}

// Lookup returns the layout of op.
func Lookup(op Opcode) (CommandInfo, bool) {
	info, ok := commandInfo[op]
	return info, ok
}

// String returns the command name.
func (op Opcode) String() string {
	if info, ok := commandInfo[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(op))
}

// IsCommon reports whether op is handled by the common command parser.
func (op Opcode) IsCommon() bool {
	return op < numCommonOpcodes
}

// ValidSize reports whether a command of op may occupy size words,
// header included.
func ValidSize(op Opcode, size uint32) bool {
	info, ok := commandInfo[op]
	if !ok {
		return false
	}
	fixed := 1 + info.Args
	if info.Immediate {
		return size >= fixed
	}
	return size == fixed
}
