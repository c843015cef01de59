// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ack builds HL7 acknowledgment (ACK) messages.
package ack

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl7_listener/hl7"
)

// Code is an MSA-1 acknowledgment code.
type Code string

const (
	// Accept means the message was received and processed.
	Accept Code = "AA"
	// Error means the message was received but processing failed.
	Error Code = "AE"
	// Reject means the message could not be accepted at all.
	Reject Code = "AR"

	// Enhanced-mode commit codes. The receiver never sends them but peers may.
	CommitAccept Code = "CA"
	CommitError  Code = "CE"
	CommitReject Code = "CR"
)

// Valid reports whether c is a known acknowledgment code.
func (c Code) Valid() bool {
	switch c {
	case Accept, Error, Reject, CommitAccept, CommitError, CommitReject:
		return true
	}
	return false
}

// OrError returns c if it is a known code and Error otherwise.
func (c Code) OrError() Code {
	if c.Valid() {
		return c
	}
	return Error
}

// Accepted reports whether c is a positive acknowledgment.
func (c Code) Accepted() bool {
	return c == Accept || c == CommitAccept
}

const (
	messageType      = "ACK"
	timestampLayout  = "20060102150405"
	sequenceModulus  = 1000000
	ackSegment       = "MSA"
	defaultVersion   = "2.4"
	defaultProcessID = "P"
)

// textEscaper makes free text safe to place in a field, using the escape
// sequences of the default encoding characters.
var textEscaper = strings.NewReplacer(
	`\`, `\E\`,
	"|", `\F\`,
	"^", `\S\`,
	"&", `\T\`,
	"~", `\R\`,
	"\r", " ",
	"\n", " ",
)

// timeNow is used for testing.
var timeNow = time.Now

// sequence disambiguates control IDs generated within the same second. It is
// shared by every Builder in the process.
var sequence uint64

// NewControlID returns a 20 character control ID: the current time to the
// second followed by a six digit process-wide sequence number.
func NewControlID() string {
	n := atomic.AddUint64(&sequence, 1) % sequenceModulus
	return fmt.Sprintf("%v%06d", timeNow().Format(timestampLayout), n)
}

// Identity holds the values the receiver puts in the MSH segment of every ACK.
type Identity struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	HL7Version           string
	ProcessingID         string
	// AcceptText is written to MSA-3 for accepted messages. Empty leaves MSA-3
	// out.
	AcceptText string
}

// DefaultIdentity returns the identity used when none is configured. An
// empty receiving application or facility is filled from the sender of the
// acknowledged message.
func DefaultIdentity() Identity {
	return Identity{
		SendingApplication: "RECEIVER",
		SendingFacility:    "HOSPITAL",
		HL7Version:         defaultVersion,
		ProcessingID:       defaultProcessID,
	}
}

// Builder creates ACK messages for a fixed Identity. It is safe for concurrent
// use.
type Builder struct {
	id Identity
}

// NewBuilder returns a Builder for id. Empty version and processing ID fall
// back to the defaults.
func NewBuilder(id Identity) *Builder {
	if id.HL7Version == "" {
		id.HL7Version = defaultVersion
	}
	if id.ProcessingID == "" {
		id.ProcessingID = defaultProcessID
	}
	return &Builder{id: id}
}

// Build acknowledges a parsed message with code. text goes to MSA-3; for
// Accept an empty text is replaced by the configured AcceptText.
func (b *Builder) Build(orig *hl7.Message, code Code, text string) *hl7.Message {
	if code == Accept && text == "" {
		text = b.id.AcceptText
	}
	header := orig.Header()
	return b.build(orig.EncodingCharacters(), header.Field(3), header.Field(4), orig.ControlID(), code, text)
}

// BuildForText acknowledges text that could not be parsed. MSA-2 echoes the
// control ID salvaged from the text, or a freshly generated one.
func (b *Builder) BuildForText(text string, code Code, reason string) *hl7.Message {
	id := hl7.SalvageControlID(text)
	if id == "" {
		id = NewControlID()
	}
	return b.build(hl7.DefaultEncodingCharacters, "", "", id, code, reason)
}

func (b *Builder) build(encoding, origApp, origFacility, origControlID string, code Code, text string) *hl7.Message {
	recvApp, recvFacility := b.id.ReceivingApplication, b.id.ReceivingFacility
	if recvApp == "" {
		recvApp = origApp
	}
	if recvFacility == "" {
		recvFacility = origFacility
	}
	msh := hl7.NewSegment(hl7.HeaderSegment,
		encoding,
		b.id.SendingApplication,
		b.id.SendingFacility,
		recvApp,
		recvFacility,
		timeNow().Format(timestampLayout),
		"",
		messageType,
		NewControlID(),
		b.id.ProcessingID,
		b.id.HL7Version,
	)
	msaValues := []string{string(code.OrError()), origControlID}
	if text != "" {
		msaValues = append(msaValues, textEscaper.Replace(text))
	}
	msg, err := hl7.NewMessage(msh, hl7.NewSegment(ackSegment, msaValues...))
	if err != nil {
		// The first segment is always MSH.
		panic(err)
	}
	return msg
}

// Result is the acknowledgment carried by a received ACK message.
type Result struct {
	Code      Code
	ControlID string
	Text      string
}

// Read extracts the MSA segment of an ACK message.
func Read(msg *hl7.Message) (Result, error) {
	msa, ok := msg.First(ackSegment)
	if !ok {
		return Result{}, fmt.Errorf("%v segment missing from %v message", ackSegment, msg.MessageTypeField())
	}
	r := Result{Code: Code(msa.Field(1)), ControlID: msa.Field(2), Text: msa.Field(3)}
	if !r.Code.Valid() {
		return r, fmt.Errorf("unknown acknowledgment code %q", r.Code)
	}
	return r, nil
}
