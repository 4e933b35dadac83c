// Package model defines the chat payloads exchanged over the support-desk
// real-time channel.
//
// Conventions:
//   - Messages and notifications are immutable values once constructed
//   - Timestamps: model.Timestamp, tolerant of the backend's zone-less ISO-8601 output
//   - IDs: server-assigned strings; outbound drafts never carry one
package model
