// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

// Subjects are the only cross-process contract: every node derives them the
// same way, so a channel's events land on one broker subject no matter which
// node published them. Routing decisions belong to the event Kind, never to
// the subject string: a channel may be named anything, "presence" included.

// ChannelSubject returns the subject for a channel's events.
func ChannelSubject(workspace, channel string) string {
	return "workspace." + workspace + ".channel." + channel
}

// PresenceSubject returns the per-workspace presence subject.
func PresenceSubject(workspace string) string {
	return "workspace." + workspace + ".presence"
}
