// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements MQTT topic filter matching and shared
// subscription parsing for the harness side of the wire contract.
package topics

import "strings"

// Match checks if a topic name matches a filter under MQTT wildcard rules.
// The filter may contain '+' (single level) and '#' (multi level, last
// position only); the topic must not contain wildcards. Filters starting
// with a wildcard never match '$' topics.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") {
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// ParseShared splits a shared subscription filter of the form
// $share/{group}/{filter} into its group name and plain topic filter.
// A non-shared filter is returned unchanged with shared=false.
func ParseShared(filter string) (group, topicFilter string, shared bool) {
	rest, ok := strings.CutPrefix(filter, "$share/")
	if !ok {
		return "", filter, false
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}

	return parts[0], parts[1], true
}

// Group tracks the competing members of one shared subscription and hands
// out deliveries round-robin. Not safe for concurrent use; callers hold
// their own lock.
type Group struct {
	Name    string
	Filter  string
	members []string
	next    int
}

// NewGroup creates an empty share group.
func NewGroup(name, filter string) *Group {
	return &Group{Name: name, Filter: filter}
}

// Members returns the client IDs in join order.
func (g *Group) Members() []string {
	return append([]string(nil), g.members...)
}

// Add registers a member; duplicates are ignored.
func (g *Group) Add(clientID string) bool {
	for _, m := range g.members {
		if m == clientID {
			return false
		}
	}
	g.members = append(g.members, clientID)
	return true
}

// Remove drops a member, preserving join order for the remaining ones.
func (g *Group) Remove(clientID string) bool {
	for i, m := range g.members {
		if m == clientID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			if g.next >= len(g.members) {
				g.next = 0
			}
			return true
		}
	}
	return false
}

// NextMember returns the next member round-robin, or "" when empty.
func (g *Group) NextMember() string {
	if len(g.members) == 0 {
		return ""
	}
	m := g.members[g.next]
	g.next = (g.next + 1) % len(g.members)
	return m
}

// Empty reports whether the group has no members.
func (g *Group) Empty() bool {
	return len(g.members) == 0
}
