// Package message defines the conversation message model.
//
// A Message is an ordered list of Parts. Tool invocation parts (type "tool-<name>")
// move through a small state machine:
//
//	input-available -> approval-requested -> approval-responded -> output-available
//	                                      \-> output-denied       \-> output-denied
//	input-available -> output-available
//
// Part.Advance is the only way state should change; it rejects edges outside the table.
package message
