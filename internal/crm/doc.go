// Package crm reports conversation progress to a CRM.
//
// The relay opens one tracked interaction per new AI conversation and then
// moves it between statuses: start when the conversation opens, midle after
// each successful reply, error when a turn fails. AmoCRM implements Client
// against amoCRM's v4 API with OAuth2 tokens kept in the SQLite store. Nop is
// used when CRM integration is disabled.
package crm
