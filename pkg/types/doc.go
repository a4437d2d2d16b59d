/*
Package types defines the data model shared by every other package in this
module: the Uptane metadata documents (Root, Targets, Timestamp, Snapshot),
the signature envelope they are carried in, the ECU roster, the installed-
version log, and the vehicle manifest bodies assembled at install time.

# Design

All enums are typed strings with const values (RoleKind, RepositoryKind,
KeyType, SignatureMethod, EcuRole, ResultCode, MisconfiguredState) so that
invalid values are caught by exhaustive switches rather than left as bare
strings. SignedDocument keeps its "signed" payload as json.RawMessage
rather than decoding straight into a typed struct: verification needs the
exact canonical bytes a remote party signed, and re-encoding a Go struct
would not reliably reproduce that third party's canonical form.

# Integration points

  - pkg/crypto verifies Signature values against PublicKey material.
  - pkg/canonical produces the canonical form of Signed bytes for both
    verification and outgoing signing.
  - pkg/store persists Root/Targets/Timestamp/Snapshot, EcuRecord,
    InstalledVersion, and OperationResult values.
  - pkg/uptane consumes and produces Root/Targets/Timestamp/Snapshot.
  - pkg/manifest produces EcuVersionManifestBody and VehicleManifestBody.
*/
package types
