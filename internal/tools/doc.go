// Package tools holds the tools the generation engine may call.
//
// Each Entry is tagged with its Source: Builtin tools run in-process, External
// tools call a remote provider. Entries marked RequiresApproval are never run
// until a human approves the specific call.
//
// Execute never returns an error. Whatever goes wrong becomes the tool output
//
//	{"error": "Space not found"}
//
// so the model can see the failure and respond to it.
package tools
