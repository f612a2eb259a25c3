// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller is the client side of a devbridge connection.
//
// [Dial] connects a transport, introduces the controller's identity
// with hello, and records whether the agent already trusts the key. A
// paired controller then calls [Client.Authenticate] to answer the
// nonce challenge; an unpaired one calls [Client.Pair], which waits
// for the agent's operator to approve. [Client.Connect] does whichever
// applies.
//
// Once authenticated, one-shot operations ([Client.Exec],
// [Client.Status], [Client.ListPaired], [Client.Unpair]) and file
// transfers ([Client.Push], [Client.Pull]) may run concurrently with
// each other and with service streams opened by [Client.OpenService].
// Failures reported by the agent come back as *session.RemoteError;
// a command's exit code is part of the exec result, never an error.
package controller
