// Package subscription holds the data model shared by every part of the
// entitlements engine: subscription records, usage statistics, the plan
// catalog and the billing collaborator contract.
//
// # Records
//
// A Record is a user's plan and lifecycle state. Status moves through
// trial, active, cancelled and expired according to Transition; records are
// never deleted. A record in the active class whose end date has passed is
// logically expired, and Normalize corrects it.
//
// # Usage
//
// UsageStats counters are labelled with the day and month they belong to.
// There is no reset job: Rollover compares the labels with the current time
// and treats a stale window as zero. Stored usage may come in an older flat
// layout; UsageDocument decodes both layouts and Migrate converts them once.
//
// # Plans and entitlements
//
// A Catalog resolves plan IDs and falls back to the free plan for users
// without an entitlement. An EntitlementMap turns billing entitlements into
// the record they imply, picking the highest-ranked plan.
//
// # Billing
//
// BillingProvider reports purchase and restore outcomes. PaddleProvider
// implements it with github.com/PaddleHQ/paddle-go-sdk/v4.
package subscription
