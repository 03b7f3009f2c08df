// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdbuf

import "github.com/gogpu/cmdbuf/internal/protocol"

// ErrorCode is the in-band error reported by Context.GetError.
type ErrorCode = protocol.ErrorCode

// LostReason explains why a context was lost.
type LostReason = protocol.LostReason

// State is a snapshot of the service-side command buffer state.
type State = protocol.State

// Error codes.
const (
	ErrorNone                        = protocol.ErrorNone
	ErrorInvalidEnum                 = protocol.ErrorInvalidEnum
	ErrorInvalidValue                = protocol.ErrorInvalidValue
	ErrorInvalidOperation            = protocol.ErrorInvalidOperation
	ErrorOutOfMemory                 = protocol.ErrorOutOfMemory
	ErrorInvalidFramebufferOperation = protocol.ErrorInvalidFramebufferOperation
	ErrorContextLost                 = protocol.ErrorContextLost
)

// Context lost reasons.
const (
	LostReasonNone        = protocol.LostReasonNone
	LostReasonParseError  = protocol.LostReasonParseError
	LostReasonOutOfMemory = protocol.LostReasonOutOfMemory
	LostReasonDeviceLost  = protocol.LostReasonDeviceLost
	LostReasonShutdown    = protocol.LostReasonShutdown
	LostReasonUnknown     = protocol.LostReasonUnknown
)

// Enum values accepted by Context methods.
const (
	TargetArrayBuffer        = protocol.TargetArrayBuffer
	TargetElementArrayBuffer = protocol.TargetElementArrayBuffer
	TargetTexture2D          = protocol.TargetTexture2D
	TargetFramebuffer        = protocol.TargetFramebuffer
	TargetRenderbuffer       = protocol.TargetRenderbuffer

	UsageStreamDraw  = protocol.UsageStreamDraw
	UsageStaticDraw  = protocol.UsageStaticDraw
	UsageDynamicDraw = protocol.UsageDynamicDraw

	FormatRed  = protocol.FormatRed
	FormatRGBA = protocol.FormatRGBA
	FormatBGRA = protocol.FormatBGRA

	ShaderVertex   = protocol.ShaderVertex
	ShaderFragment = protocol.ShaderFragment
	ShaderCompute  = protocol.ShaderCompute

	ShaderCompileStatus = protocol.ShaderCompileStatus
	ShaderInfoLogLength = protocol.ShaderInfoLogLength

	AttachmentColor0 = protocol.AttachmentColor0
	AttachmentDepth  = protocol.AttachmentDepth

	TypeUnsignedByte = protocol.TypeUnsignedByte
	TypeFloat        = protocol.TypeFloat

	ModePoints        = protocol.ModePoints
	ModeLines         = protocol.ModeLines
	ModeTriangles     = protocol.ModeTriangles
	ModeTriangleStrip = protocol.ModeTriangleStrip

	QueryAnySamplesPassed          = protocol.QueryAnySamplesPassed
	QueryTimeElapsed               = protocol.QueryTimeElapsed
	QueryGetError                  = protocol.QueryGetError
	QueryCommandsIssued            = protocol.QueryCommandsIssued
	QueryAsyncPixelUnpackCompleted = protocol.QueryAsyncPixelUnpackCompleted
	QueryCommandsCompleted         = protocol.QueryCommandsCompleted

	QueryResult          = protocol.QueryResult
	QueryResultAvailable = protocol.QueryResultAvailable
)
