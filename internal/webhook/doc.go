// Package webhook turns HMAC-signed HTTP POSTs into forkq tasks.
//
// Each endpoint maps a path to a registered task type. The request body is
// verified against the endpoint secret with HMAC-SHA256 and then enqueued
// without waiting for the result; callers look the outcome up through the
// API by the returned task id.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/github
//	      type: github-push
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// # Payload
//
// A body holding a JSON object becomes the task payload as-is. Any other body
// is passed as {"body": "<raw text>"}.
//
// # Error Responses
//
//   - 403 Forbidden: invalid or missing signature (no details)
//   - 404 Not Found: unknown path
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 503 Service Unavailable: queue full or pool stopped
//   - 500 Internal Server Error: any other enqueue failure
package webhook
