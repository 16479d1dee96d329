// Package redis persists the event listener's block cursor in Redis so a
// restarted agent resumes from the last processed block.
package redis
