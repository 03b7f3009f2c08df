// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package protocol

import "fmt"

// Enum values carried in command arguments. Values follow the GL numbering the
// GPU-API layer already speaks, so they pass through the protocol untouched.
const (
	TargetArrayBuffer        uint32 = 0x8892
	TargetElementArrayBuffer uint32 = 0x8893
	TargetTexture2D          uint32 = 0x0DE1
	TargetFramebuffer        uint32 = 0x8D40
	TargetRenderbuffer       uint32 = 0x8D41

	UsageStreamDraw  uint32 = 0x88E0
	UsageStaticDraw  uint32 = 0x88E4
	UsageDynamicDraw uint32 = 0x88E8

	FormatRed  uint32 = 0x1903
	FormatRGBA uint32 = 0x1908
	FormatBGRA uint32 = 0x80E1

	ShaderFragment uint32 = 0x8B30
	ShaderVertex   uint32 = 0x8B31
	ShaderCompute  uint32 = 0x91B9

	ShaderCompileStatus uint32 = 0x8B81
	ShaderInfoLogLength uint32 = 0x8B84

	AttachmentColor0 uint32 = 0x8CE0
	AttachmentDepth  uint32 = 0x8D00

	TypeUnsignedByte uint32 = 0x1401
	TypeFloat        uint32 = 0x1406

	ModePoints        uint32 = 0x0000
	ModeLines         uint32 = 0x0001
	ModeTriangles     uint32 = 0x0004
	ModeTriangleStrip uint32 = 0x0005

	QueryResult          uint32 = 0x8866
	QueryResultAvailable uint32 = 0x8867
)

// MaxVertexAttribs is the number of vertex attribute slots.
const MaxVertexAttribs = 16

// MaxTextureSize bounds texture and renderbuffer dimensions.
const MaxTextureSize = 8192

// ResultBucketID is the bucket used for variable sized transfers.
const ResultBucketID uint32 = 1

// Query targets.
const (
	QueryAnySamplesPassed          uint32 = 0x8C2F
	QueryTimeElapsed               uint32 = 0x88BF
	QueryGetError                  uint32 = 0x6003
	QueryCommandsIssued            uint32 = 0x6004
	QueryAsyncPixelUnpackCompleted uint32 = 0x6005
	QueryCommandsCompleted         uint32 = 0x84F7
)

// ValidBufferTarget reports whether t names a buffer binding point.
func ValidBufferTarget(t uint32) bool {
	return t == TargetArrayBuffer || t == TargetElementArrayBuffer
}

// ValidUsage reports whether u names a buffer usage hint.
func ValidUsage(u uint32) bool {
	return u == UsageStreamDraw || u == UsageStaticDraw || u == UsageDynamicDraw
}

// ValidDrawMode reports whether m names a primitive mode.
func ValidDrawMode(m uint32) bool {
	switch m {
	case ModePoints, ModeLines, ModeTriangles, ModeTriangleStrip:
		return true
	}
	return false
}

// TypeSize returns the size of one component of an attribute type, or 0 for
// unknown types.
func TypeSize(t uint32) uint32 {
	switch t {
	case TypeUnsignedByte:
		return 1
	case TypeFloat:
		return 4
	}
	return 0
}

// ValidQueryTarget reports whether t names a supported query target.
func ValidQueryTarget(t uint32) bool {
	switch t {
	case QueryAnySamplesPassed, QueryTimeElapsed, QueryGetError,
		QueryCommandsIssued, QueryAsyncPixelUnpackCompleted, QueryCommandsCompleted:
		return true
	}
	return false
}

// ValidShaderType reports whether t names a shader stage.
func ValidShaderType(t uint32) bool {
	return t == ShaderVertex || t == ShaderFragment || t == ShaderCompute
}

// BytesPerPixel returns the size of one texel of format, or 0 when the
// format is unknown.
func BytesPerPixel(format uint32) uint32 {
	switch format {
	case FormatRGBA, FormatBGRA:
		return 4
	case FormatRed:
		return 1
	}
	return 0
}

// ErrorCode is the in-band error reported through GetError.
type ErrorCode uint32

// Error codes.
const (
	ErrorNone                        ErrorCode = 0
	ErrorInvalidEnum                 ErrorCode = 0x0500
	ErrorInvalidValue                ErrorCode = 0x0501
	ErrorInvalidOperation            ErrorCode = 0x0502
	ErrorOutOfMemory                 ErrorCode = 0x0505
	ErrorInvalidFramebufferOperation ErrorCode = 0x0506
	ErrorContextLost                 ErrorCode = 0x0507
)

// String returns the error name.
func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "NoError"
	case ErrorInvalidEnum:
		return "InvalidEnum"
	case ErrorInvalidValue:
		return "InvalidValue"
	case ErrorInvalidOperation:
		return "InvalidOperation"
	case ErrorOutOfMemory:
		return "OutOfMemory"
	case ErrorInvalidFramebufferOperation:
		return "InvalidFramebufferOperation"
	case ErrorContextLost:
		return "ContextLost"
	default:
		return fmt.Sprintf("ErrorCode(0x%04x)", uint32(e))
	}
}

// LostReason explains a context loss.
type LostReason uint32

// Context lost reasons.
const (
	LostReasonNone LostReason = iota
	LostReasonParseError
	LostReasonOutOfMemory
	LostReasonDeviceLost
	LostReasonShutdown
	LostReasonUnknown
)

// String returns the reason name.
func (r LostReason) String() string {
	switch r {
	case LostReasonNone:
		return "None"
	case LostReasonParseError:
		return "ParseError"
	case LostReasonOutOfMemory:
		return "OutOfMemory"
	case LostReasonDeviceLost:
		return "DeviceLost"
	case LostReasonShutdown:
		return "Shutdown"
	case LostReasonUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("LostReason(%d)", uint32(r))
	}
}
