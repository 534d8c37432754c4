// Package dedupe guards approved tool calls against running twice.
//
// A continuation carrying an approval response can arrive more than once
// (client retries, a second tab). The orchestrator claims the approval id
// before executing the tool; only the first claim within the TTL wins.
package dedupe
