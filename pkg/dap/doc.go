/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package dap is a Debug Adapter Protocol client engine.
//
// A Session talks to one debug adapter over a Transport (any duplex byte stream).
// It frames and decodes messages, matches responses to requests by sequence number,
// answers requests the adapter sends to the client, tracks the session lifecycle and
// keeps a cached model of threads, stacks, scopes, variables and breakpoints that
// listeners are told about when it changes.
//
// A Registry owns the sessions of one client, including child sessions that adapters
// spawn with the 'startDebugging' request.
//
// Requests are asynchronous: Send returns a *Call immediately, and the response is
// obtained with Call.Wait. Requests that are not valid in the current session state
// fail synchronously with *InvalidStateError and are never written to the adapter.
package dap
